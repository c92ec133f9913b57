package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/kdbpush"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SplitExecutor reads splits concurrently on a bounded worker pool. The first
// failure cancels the remaining splits.
type SplitExecutor struct {
	pool *ants.Pool
}

// NewSplitExecutor creates an executor running at most workers splits at once.
func NewSplitExecutor(workers int) (*SplitExecutor, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		zap.S().Errorw("split worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create split pool: %w", err)
	}
	return &SplitExecutor{pool: pool}, nil
}

// Run reads every split with read and returns the pages in split order.
func (x *SplitExecutor) Run(ctx context.Context, splits []kdbpush.Split, read func(ctx context.Context, s kdbpush.Split) (*kdbpush.Page, error)) ([]*kdbpush.Page, error) {
	pages := make([]*kdbpush.Page, len(splits))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range splits {
		g.Go(func() error {
			done := make(chan error, 1)
			err := x.pool.Submit(func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("split %s panicked: %v", s.ID, r)
					}
				}()
				if err := gctx.Err(); err != nil {
					done <- err
					return
				}
				page, err := read(gctx, s)
				pages[i] = page
				done <- err
			})
			if err != nil {
				return fmt.Errorf("submit split %s: %w", s.ID, err)
			}
			return <-done
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// Running is the number of busy workers.
func (x *SplitExecutor) Running() int { return x.pool.Running() }

// Close releases the pool. Splits already running are not waited for.
func (x *SplitExecutor) Close() {
	x.pool.Release()
}
