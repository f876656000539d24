package calc

import (
	"context"
	"errors"

	"almlp/internal/model"
)

// ComputeWithCalc evaluates every structure with c and returns single-pointed
// frames labelled label.
func ComputeWithCalc(ctx context.Context, c Calculator, structures []model.Structure, label string) ([]model.Frame, error) {
	frames := make([]model.Frame, 0, len(structures))
	for _, s := range structures {
		res, err := Evaluate(ctx, c, s)
		if err != nil {
			return nil, err
		}
		frame, err := model.NewFrame(s, res, label)
		if err != nil {
			return nil, &EvaluationError{Calculator: c.Name(), Err: err}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Candidate is a structure that may already carry a frozen result.
type Candidate struct {
	Structure model.Structure
	Result    *model.Result
}

// ConvertToSinglepoint freezes candidates into frames. Candidates that already
// carry a result are kept as-is; the rest are evaluated with c. The second
// return value counts the evaluations that were needed.
func ConvertToSinglepoint(ctx context.Context, c Calculator, candidates []Candidate, label string) ([]model.Frame, int, error) {
	frames := make([]model.Frame, 0, len(candidates))
	computed := 0
	for _, cand := range candidates {
		if cand.Result != nil {
			frame, err := model.NewFrame(cand.Structure, *cand.Result, label)
			if err != nil {
				return nil, computed, err
			}
			frames = append(frames, frame)
			continue
		}
		out, err := ComputeWithCalc(ctx, c, []model.Structure{cand.Structure}, label)
		if err != nil {
			return nil, computed, err
		}
		computed++
		frames = append(frames, out[0])
	}
	return frames, computed, nil
}

// SubtractDeltas turns frames holding parent results into delta frames
// (parent - base - ref) without re-running the parent calculator.
func SubtractDeltas(ctx context.Context, frames []model.Frame, base Calculator, refs model.ReferencePair) ([]model.Frame, error) {
	out := make([]model.Frame, 0, len(frames))
	for _, f := range frames {
		delta, err := NewDelta(FromFrame(f), base, Subtract, refs)
		if err != nil {
			return nil, err
		}
		res, err := Evaluate(ctx, delta, f.Structure())
		if err != nil {
			return nil, err
		}
		df, err := f.WithResult(res, model.LabelDelta)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
	}
	return out, nil
}

// CopyFrames returns a new slice; frames are immutable so a shallow copy is a
// deep copy.
func CopyFrames(frames []model.Frame) []model.Frame {
	return append([]model.Frame(nil), frames...)
}

func Structures(frames []model.Frame) []model.Structure {
	out := make([]model.Structure, len(frames))
	for i, f := range frames {
		out[i] = f.Structure()
	}
	return out
}

// Prepared is an initial training set ready for a surrogate.
type Prepared struct {
	Frames []model.Frame
	// Refs and HasRefs are set when a base calculator was given.
	Refs    model.ReferencePair
	HasRefs bool
	// Computed counts the parent evaluations needed to single-point the
	// candidates.
	Computed int
}

// Prepare single-points candidates with parent and, when base is non-nil,
// turns them into delta frames against the first candidate.
func Prepare(ctx context.Context, parent, base Calculator, candidates []Candidate) (Prepared, error) {
	frames, computed, err := ConvertToSinglepoint(ctx, parent, candidates, model.LabelParent)
	if err != nil {
		return Prepared{}, err
	}
	out := Prepared{Frames: frames, Computed: computed}
	if base == nil {
		return out, nil
	}
	if len(frames) == 0 {
		return Prepared{}, errors.New("a base calculator needs at least one initial structure")
	}
	ref := frames[0]
	baseRes, err := Evaluate(ctx, base, ref.Structure())
	if err != nil {
		return Prepared{}, err
	}
	baseFrame, err := ref.WithResult(baseRes, model.LabelBase)
	if err != nil {
		return Prepared{}, err
	}
	out.Refs = model.ReferencePair{Parent: ref, Base: baseFrame}
	out.HasRefs = true
	if out.Frames, err = SubtractDeltas(ctx, frames, base, out.Refs); err != nil {
		return Prepared{}, err
	}
	return out, nil
}

// Predictor returns the calculator that maps surrogate predictions back to
// parent scale: surrogate + base when references exist, else the surrogate.
func (p Prepared) Predictor(surrogate, base Calculator) (Calculator, error) {
	if !p.HasRefs {
		return surrogate, nil
	}
	d, err := NewDelta(surrogate, base, Add, p.Refs)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Delta converts one parent-labelled frame into a training frame. Without
// references the frame is returned unchanged.
func (p Prepared) Delta(ctx context.Context, f model.Frame, base Calculator) (model.Frame, error) {
	if !p.HasRefs {
		return f, nil
	}
	out, err := SubtractDeltas(ctx, []model.Frame{f}, base, p.Refs)
	if err != nil {
		return model.Frame{}, err
	}
	return out[0], nil
}
