package calc

import (
	"context"
	"fmt"

	"almlp/internal/model"
)

// SinglePoint replays a frozen result. It refuses structures with a different
// atom count, so a stored parent result is never silently reused for the
// wrong geometry.
type SinglePoint struct {
	label  string
	result model.Result
}

func NewSinglePoint(label string, r model.Result) *SinglePoint {
	return &SinglePoint{label: label, result: r.Clone()}
}

func (sp *SinglePoint) Name() string {
	if sp.label == "" {
		return "singlepoint"
	}
	return "singlepoint:" + sp.label
}

func (sp *SinglePoint) Evaluate(_ context.Context, s model.Structure) (model.Result, error) {
	if s.Len() != len(sp.result.Forces) {
		return model.Result{}, fmt.Errorf("singlepoint has %d atoms, structure has %d", len(sp.result.Forces), s.Len())
	}
	return sp.result.Clone(), nil
}

// FromFrame replays the result frozen on a frame.
func FromFrame(f model.Frame) *SinglePoint {
	return NewSinglePoint(f.Label(), f.Result())
}
