package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatchRunsEveryTask(t *testing.T) {
	var ran int64
	tasks := make([]func(context.Context) error, 20)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}
	}
	require.NoError(t, RunBatch(context.Background(), 3, tasks))
	assert.Equal(t, int64(20), ran)
}

func TestRunBatchRespectsLimit(t *testing.T) {
	var inFlight, peak int64
	tasks := make([]func(context.Context) error, 12)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			n := atomic.AddInt64(&inFlight, 1)
			defer atomic.AddInt64(&inFlight, -1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return nil
		}
	}
	require.NoError(t, RunBatch(context.Background(), 3, tasks))
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestRunBatchCollectsAllFailures(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	var survivors int64
	tasks := []func(context.Context) error{
		func(context.Context) error { return errA },
		func(context.Context) error { atomic.AddInt64(&survivors, 1); return nil },
		func(context.Context) error { return errB },
		func(context.Context) error { atomic.AddInt64(&survivors, 1); return nil },
	}

	err := RunBatch(context.Background(), 2, tasks)
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, int64(2), survivors, "failures never cancel siblings")
}

func TestRunBatchZeroLimitUsesDefault(t *testing.T) {
	tasks := []func(context.Context) error{
		func(context.Context) error { return nil },
	}
	assert.NoError(t, RunBatch(context.Background(), 0, tasks))
}

func TestRunBatchEmpty(t *testing.T) {
	assert.NoError(t, RunBatch(context.Background(), 3, nil))
}
