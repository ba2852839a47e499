package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of fan-out work.
type Task[T any] func(ctx context.Context) (T, error)

// Parallel runs tasks with at most maxParallel active at once and returns
// their results in input order. The first error cancels the context handed
// to the remaining tasks, tasks not yet started are skipped, and that
// error is returned. Error tolerance belongs to the caller.
func Parallel[T any](ctx context.Context, tasks []Task[T], maxParallel int) ([]T, error) {
	if maxParallel < 1 {
		maxParallel = 1
	}

	results := make([]T, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for i, task := range tasks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := task(gctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
