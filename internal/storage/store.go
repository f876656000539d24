package storage

import (
	"context"
	"errors"

	"almlp/internal/model"
)

var ErrDuplicateRecord = errors.New("parent call already recorded")

// Store is the append-only audit log of parent calls plus run summaries.
// Parent calls are never updated or deleted; ListParentCalls returns them in
// Seq order.
type Store interface {
	Init(ctx context.Context) error
	AppendParentCall(ctx context.Context, record model.ParentCallRecord) error
	ListParentCalls(ctx context.Context, runID string) ([]model.ParentCallRecord, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}
