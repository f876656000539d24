package calc

import (
	"context"
	"fmt"

	"almlp/internal/model"
)

// Calculator evaluates energy and forces for a structure. Implementations must
// not mutate the structure they are given.
type Calculator interface {
	Name() string
	Evaluate(ctx context.Context, s model.Structure) (model.Result, error)
}

// EvaluationError reports that a wrapped calculator failed. It is never
// retried: the caller decides what to do with it.
type EvaluationError struct {
	Calculator string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Calculator, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Func adapts a plain function to the Calculator interface.
type Func struct {
	Label string
	Fn    func(ctx context.Context, s model.Structure) (model.Result, error)
}

func (f Func) Name() string {
	if f.Label == "" {
		return "func"
	}
	return f.Label
}

func (f Func) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	return f.Fn(ctx, s)
}

// Evaluate runs c on a private copy of s and checks the result shape. Errors
// come back as *EvaluationError.
func Evaluate(ctx context.Context, c Calculator, s model.Structure) (model.Result, error) {
	if c == nil {
		return model.Result{}, &EvaluationError{Calculator: "<nil>", Err: fmt.Errorf("calculator is required")}
	}
	if err := ctx.Err(); err != nil {
		return model.Result{}, &EvaluationError{Calculator: c.Name(), Err: err}
	}
	res, err := c.Evaluate(ctx, s.Clone())
	if err != nil {
		if evalErr, ok := err.(*EvaluationError); ok {
			return model.Result{}, evalErr
		}
		return model.Result{}, &EvaluationError{Calculator: c.Name(), Err: err}
	}
	if len(res.Forces) != s.Len() {
		return model.Result{}, &EvaluationError{
			Calculator: c.Name(),
			Err:        fmt.Errorf("returned %d forces for %d atoms", len(res.Forces), s.Len()),
		}
	}
	return res, nil
}
