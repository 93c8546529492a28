package s3store

import (
	"context"
	"errors"
	"sync"
)

// DefaultConcurrency is the number of S3 calls a Store keeps in flight.
const DefaultConcurrency = 32

// forEach calls fn for every index in [0, n) with at most concurrency calls
// running. The first failure cancels the calls that have not started yet.
func forEach(ctx context.Context, n, concurrency int, fn func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, n)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			if err := fn(ctx, idx); err != nil {
				errs[idx] = err
				cancel()
			}
		}(i)
	}
	wg.Wait()

	// Report the failure itself rather than the cancellations it caused.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
