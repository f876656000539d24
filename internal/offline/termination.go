package offline

import "errors"

// Termination stops the offline loop after MaxIterations, or earlier once the
// verification point's parent max |f| is within MaxForceTolerance.
type Termination struct {
	MaxIterations     int     `yaml:"max_iterations" json:"max_iterations"`
	MaxForceTolerance float64 `yaml:"max_force_tolerance" json:"max_force_tolerance"`
}

func (t Termination) Validate() error {
	if t.MaxIterations <= 0 {
		return errors.New("max_iterations must be > 0")
	}
	if t.MaxForceTolerance < 0 {
		return errors.New("max_force_tolerance must be >= 0")
	}
	return nil
}

// Done reports whether to stop. lastVerifiedForce is +Inf until the first
// verification.
func (t Termination) Done(iterations int, lastVerifiedForce float64) bool {
	if iterations >= t.MaxIterations {
		return true
	}
	return iterations > 0 && lastVerifiedForce <= t.MaxForceTolerance
}
