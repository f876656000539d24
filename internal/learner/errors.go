package learner

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("invalid learner config")

// AuditWriteError reports a failed audit write. The learner logs it and
// carries on.
type AuditWriteError struct {
	Seq int
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit parent call %d: %v", e.Seq, e.Err)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Err
}
