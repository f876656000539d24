package ensemble

import (
	"errors"
	"fmt"
)

var ErrNotTrained = errors.New("ensemble is not trained")

// TrainingError reports a failed refit. Member is -1 when the failure is not
// tied to a single member.
type TrainingError struct {
	Member int
	Err    error
}

func (e *TrainingError) Error() string {
	if e.Member < 0 {
		return fmt.Sprintf("train ensemble: %v", e.Err)
	}
	return fmt.Sprintf("train ensemble member %d: %v", e.Member, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}
