package calc

import (
	"context"
	"fmt"

	"almlp/internal/model"
)

type Op string

const (
	// Subtract builds delta training targets: parent - base.
	Subtract Op = "sub"
	// Add rebuilds parent-scale predictions: surrogate + base.
	Add Op = "add"
)

func (op Op) apply(a, b float64) float64 {
	if op == Add {
		return a + b
	}
	return a - b
}

func ParseOp(v string) (Op, error) {
	switch Op(v) {
	case Add, "+":
		return Add, nil
	case Subtract, "subtract", "-":
		return Subtract, nil
	default:
		return "", fmt.Errorf("unsupported delta op: %q", v)
	}
}

// Delta combines two calculators with the fixed reference offset
// ref = Eref_parent - Eref_base:
//
//	sub: E = Ea - Eb - ref, F = Fa - Fb
//	add: E = Ea + Eb + ref, F = Fa + Fb
//
// so that add(sub(parent, base), base) reproduces parent exactly. Forces are
// combined raw; constraints are never applied here.
type Delta struct {
	a, b Calculator
	op   Op
	refs model.ReferencePair
}

func NewDelta(a, b Calculator, op Op, refs model.ReferencePair) (*Delta, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("delta requires two calculators")
	}
	if op != Add && op != Subtract {
		return nil, fmt.Errorf("unsupported delta op: %q", op)
	}
	if err := refs.Validate(); err != nil {
		return nil, err
	}
	return &Delta{a: a, b: b, op: op, refs: refs}, nil
}

func (d *Delta) Name() string {
	return fmt.Sprintf("delta(%s %s %s)", d.a.Name(), d.op, d.b.Name())
}

func (d *Delta) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	ra, err := Evaluate(ctx, d.a, s)
	if err != nil {
		return model.Result{}, err
	}
	rb, err := Evaluate(ctx, d.b, s)
	if err != nil {
		return model.Result{}, err
	}
	out, err := d.Combine(ra, rb)
	if err != nil {
		return model.Result{}, &EvaluationError{Calculator: d.Name(), Err: err}
	}
	return out, nil
}

// Combine applies the delta algebra to two already computed results. The
// uncertainty of the first operand is carried over unchanged.
func (d *Delta) Combine(ra, rb model.Result) (model.Result, error) {
	return Combine(d.op, ra, rb, d.refs)
}

func Combine(op Op, ra, rb model.Result, refs model.ReferencePair) (model.Result, error) {
	if len(ra.Forces) != len(rb.Forces) {
		return model.Result{}, fmt.Errorf("force count mismatch: %d != %d", len(ra.Forces), len(rb.Forces))
	}
	offset := refs.Parent.Energy() - refs.Base.Energy()
	out := model.Result{
		Energy: op.apply(op.apply(ra.Energy, rb.Energy), offset),
		Forces: make([]model.Vec3, len(ra.Forces)),
	}
	for i := range ra.Forces {
		for k := 0; k < 3; k++ {
			out.Forces[i][k] = op.apply(ra.Forces[i][k], rb.Forces[i][k])
		}
	}
	if ra.Uncertainty != nil {
		out.Uncertainty = model.Float64Ptr(*ra.Uncertainty)
	}
	if len(ra.ForceStd) > 0 {
		out.ForceStd = append([]model.Vec3(nil), ra.ForceStd...)
	}
	return out, nil
}
