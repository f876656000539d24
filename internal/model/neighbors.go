package model

import "math"

// Pair is one unique atom pair within a cutoff. D points from atom I to the
// (possibly periodic) image of atom J.
type Pair struct {
	I int
	J int
	D Vec3
	R float64
}

// NeighborPairs enumerates every unique pair closer than cutoff, counting each
// pair once, including pairs with periodic images of the same atom.
func NeighborPairs(s Structure, cutoff float64) []Pair {
	n := s.Len()
	if n == 0 || cutoff <= 0 {
		return nil
	}
	reps := imageRepeats(s, cutoff)
	var pairs []Pair
	for a := -reps[0]; a <= reps[0]; a++ {
		for b := -reps[1]; b <= reps[1]; b++ {
			for c := -reps[2]; c <= reps[2]; c++ {
				shift := Vec3{}
				if s.Cell != nil {
					shift = s.Cell[0].Scale(float64(a)).Add(s.Cell[1].Scale(float64(b))).Add(s.Cell[2].Scale(float64(c)))
				}
				zero := a == 0 && b == 0 && c == 0
				positive := a > 0 || (a == 0 && b > 0) || (a == 0 && b == 0 && c > 0)
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						if zero && j <= i {
							continue
						}
						if !zero && i > j {
							continue
						}
						if !zero && i == j && !positive {
							continue
						}
						d := s.Positions[j].Add(shift).Sub(s.Positions[i])
						r := d.Norm()
						if r >= cutoff || r == 0 {
							continue
						}
						pairs = append(pairs, Pair{I: i, J: j, D: d, R: r})
					}
				}
			}
		}
	}
	return pairs
}

func imageRepeats(s Structure, cutoff float64) [3]int {
	var reps [3]int
	if s.Cell == nil {
		return reps
	}
	cell := *s.Cell
	volume := math.Abs(cell[0].Dot(cell[1].Cross(cell[2])))
	if volume == 0 {
		return reps
	}
	for k := 0; k < 3; k++ {
		if !s.PBC[k] {
			continue
		}
		area := cell[(k+1)%3].Cross(cell[(k+2)%3]).Norm()
		width := volume / area
		reps[k] = int(math.Ceil(cutoff / width))
	}
	return reps
}
