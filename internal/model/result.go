package model

import "math"

// Result holds the computed properties of one structure. Uncertainty, when
// set, is the maximum over atoms and components of the force disagreement of
// an ensemble in eV/Å; ForceStd keeps the per-component values.
type Result struct {
	Energy      float64  `json:"energy"`
	Forces      []Vec3   `json:"forces"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
	ForceStd    []Vec3   `json:"force_std,omitempty"`
}

func (r Result) Clone() Result {
	out := Result{
		Energy:   r.Energy,
		Forces:   append([]Vec3(nil), r.Forces...),
		ForceStd: append([]Vec3(nil), r.ForceStd...),
	}
	if r.Uncertainty != nil {
		u := *r.Uncertainty
		out.Uncertainty = &u
	}
	return out
}

// Fmax is the largest per-atom force norm.
func (r Result) Fmax() float64 {
	return Fmax(r.Forces)
}

// MaxAbsForce is the largest absolute force component.
func (r Result) MaxAbsForce() float64 {
	return MaxAbsForce(r.Forces)
}

// ApplyConstraint returns a copy with the forces on fixed atoms zeroed.
func (r Result) ApplyConstraint(fixed []int) Result {
	out := r.Clone()
	for _, idx := range fixed {
		if idx >= 0 && idx < len(out.Forces) {
			out.Forces[idx] = Vec3{}
		}
	}
	return out
}

func Fmax(forces []Vec3) float64 {
	maxSq := 0.0
	for _, f := range forces {
		if sq := f.Dot(f); sq > maxSq {
			maxSq = sq
		}
	}
	return math.Sqrt(maxSq)
}

// MaxAbsForce ignores NaN components.
func MaxAbsForce(forces []Vec3) float64 {
	best := 0.0
	for _, f := range forces {
		for _, c := range f {
			if math.IsNaN(c) {
				continue
			}
			if a := math.Abs(c); a > best {
				best = a
			}
		}
	}
	return best
}

func Float64Ptr(v float64) *float64 {
	return &v
}
