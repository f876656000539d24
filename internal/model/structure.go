package model

import (
	"errors"
	"fmt"
	"math"
)

// Vec3 is a cartesian 3-vector in Å (positions) or eV/Å (forces).
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }
func (v Vec3) Norm() float64      { return math.Sqrt(v.Dot(v)) }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Structure is an atomic configuration. It never carries calculator state;
// evaluating it is always a request against some calculator.
type Structure struct {
	Species   []string `json:"species"`
	Positions []Vec3   `json:"positions"`
	Cell      *[3]Vec3 `json:"cell,omitempty"`
	PBC       [3]bool  `json:"pbc"`
	Fixed     []int    `json:"fixed,omitempty"`
}

var ErrEmptyStructure = errors.New("structure has no atoms")

func (s Structure) Len() int {
	return len(s.Positions)
}

func (s Structure) Validate() error {
	if len(s.Positions) == 0 {
		return ErrEmptyStructure
	}
	if len(s.Species) != len(s.Positions) {
		return fmt.Errorf("species/positions length mismatch: %d != %d", len(s.Species), len(s.Positions))
	}
	for _, idx := range s.Fixed {
		if idx < 0 || idx >= len(s.Positions) {
			return fmt.Errorf("fixed atom index %d out of range", idx)
		}
	}
	if s.Periodic() && s.Cell == nil {
		return errors.New("periodic structure requires a cell")
	}
	return nil
}

func (s Structure) Periodic() bool {
	return s.PBC[0] || s.PBC[1] || s.PBC[2]
}

// Clone returns a deep copy with no shared backing arrays.
func (s Structure) Clone() Structure {
	out := Structure{
		Species:   append([]string(nil), s.Species...),
		Positions: append([]Vec3(nil), s.Positions...),
		PBC:       s.PBC,
		Fixed:     append([]int(nil), s.Fixed...),
	}
	if s.Cell != nil {
		cell := *s.Cell
		out.Cell = &cell
	}
	return out
}

// IsFixed reports whether atom i is held fixed by a constraint.
func (s Structure) IsFixed(i int) bool {
	for _, idx := range s.Fixed {
		if idx == i {
			return true
		}
	}
	return false
}

// UniqueSpecies returns species in first-seen order.
func (s Structure) UniqueSpecies() []string {
	seen := make(map[string]struct{}, len(s.Species))
	out := make([]string, 0, len(s.Species))
	for _, sp := range s.Species {
		if _, ok := seen[sp]; ok {
			continue
		}
		seen[sp] = struct{}{}
		out = append(out, sp)
	}
	return out
}
