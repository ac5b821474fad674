// Package aggregate fans work out over independent inputs and reduces the results.
package aggregate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one task. Exactly one of Value or Err is meaningful.
type Result[R any] struct {
	Value R
	Err   error
}

// Gather runs fn for every item concurrently and returns outcomes in input order, regardless of
// completion order. A failing task never cancels the others. limit bounds the number of tasks in
// flight; zero or less means one goroutine per item. Items not yet started when ctx is done are
// reported with ctx.Err().
func Gather[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			v, err := fn(ctx, item)
			results[i] = Result[R]{Value: v, Err: err}
			// failures are recorded, not propagated, so siblings keep running
			return nil
		})
	}
	_ = g.Wait()
	return results
}
