package ensemble

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Executor runs independent training tasks. It is passed explicitly to
// Ensemble.Train instead of living in a process-wide client.
type Executor interface {
	Run(ctx context.Context, tasks []func(ctx context.Context) error) error
}

// SerialExecutor runs tasks in order on the calling goroutine and stops at the
// first error.
type SerialExecutor struct{}

func (SerialExecutor) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PoolExecutor runs tasks on at most Workers goroutines.
type PoolExecutor struct {
	Workers int
}

// NewExecutor returns a bounded parallel executor. workers <= 1 yields the
// serial executor.
func NewExecutor(workers int) Executor {
	if workers <= 1 {
		return SerialExecutor{}
	}
	return &PoolExecutor{Workers: workers}
}

func (p *PoolExecutor) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	if p.Workers > 0 {
		g.SetLimit(p.Workers)
	}
	for _, task := range tasks {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return task(gCtx)
		})
	}
	return g.Wait()
}
