package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to every element of seq on at most limit goroutines and
// yields the results in completion order. Errors carried by seq are forwarded
// without calling mapFunc. Breaking out of the range loop or canceling ctx
// stops the remaining work; Map never leaves goroutines behind.
//
//	for d, err := range parallel.Map(ctx, 4, input, mapFunc) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq2[E, error], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(limit, 1))
		mapped := make(chan result[D], max(limit, 1))

		send := func(r result[D]) {
			select {
			case mapped <- r:
			case <-gctx.Done():
			}
		}

		go func() {
			defer close(mapped)
			for entry, err := range seq {
				if gctx.Err() != nil {
					break
				}
				if err != nil {
					send(result[D]{e: err})
					continue
				}
				g.Go(func() error {
					d, err := mapFunc(gctx, entry)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range mapped {
			if ctx.Err() != nil || !yield(r.d, r.e) {
				cancel()
				for range mapped {
				}
				return
			}
		}
	}
}
