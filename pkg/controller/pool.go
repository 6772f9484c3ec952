package controller

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// batchConcurrency bounds bulk fan-out (start-all, stop-all) so a topology
// of hundreds of nodes does not open hundreds of simultaneous sessions to
// one agent.
const batchConcurrency = 3

// RunBatch runs tasks through a fixed-size worker pool. Every task runs to
// completion even when siblings fail; the collected failures are returned
// once after the whole batch finishes.
func RunBatch(ctx context.Context, limit int, tasks []func(context.Context) error) error {
	if limit <= 0 {
		limit = batchConcurrency
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var result *multierror.Error

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(task func(context.Context) error) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := task(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return result.ErrorOrNil()
}
