//go:build !windows

package procpipe_test

import (
	"context"
	"testing"
	"time"

	"github.com/maxatome/go-testdeep/td"

	"github.com/fogfactory/procpipe"
)

func TestBatch(t *testing.T) {
	t.Run("success_poll_partial_results", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, 2)
		batch, err := pool.Submit(procpipe.WorkItem{Command: []string{"sleep", "1"}}, shell("echo fast"))
		td.Require(t).CmpNoError(err)
		td.Cmp(t, batch.Len(), 2)

		// Act
		var partial []procpipe.Result
		for start := time.Now(); time.Since(start) < 900*time.Millisecond; time.Sleep(10 * time.Millisecond) {
			if partial = batch.Poll(); len(partial) > 0 {
				break
			}
		}

		// Assert
		td.Cmp(t, partial, td.Len(1))
		td.Cmp(t, partial[0].Index, 1)
		td.Cmp(t, string(partial[0].Output), "fast\n")
		td.CmpLen(t, await(t, batch), 2)
		td.CmpLen(t, batch.Poll(), 2)
	})

	t.Run("error_await_context_done", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, 1)
		batch, err := pool.Submit(procpipe.WorkItem{Command: []string{"sleep", "0.5"}})
		td.Require(t).CmpNoError(err)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// Act
		results, err := batch.Await(ctx)

		// Assert
		td.CmpErrorIs(t, err, context.DeadlineExceeded)
		td.CmpNil(t, results)
		// Nothing is lost, the batch can be awaited again
		td.Cmp(t, states(await(t, batch)), []procpipe.State{procpipe.StateExited})
	})

	t.Run("success_batches_share_slots_in_order", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, 1)
		first, err := pool.Submit(procpipe.WorkItem{Command: []string{"sleep", "0.3"}})
		td.Require(t).CmpNoError(err)

		// Act
		second, err := pool.Submit(shell("echo second"))
		td.Require(t).CmpNoError(err)
		stats := pool.Stats()
		<-second.Done()

		// Assert
		td.Cmp(t, stats.Queued, 1)
		select {
		case <-first.Done():
		default:
			t.Error("The first batch must complete before the second one starts")
		}
		td.Cmp(t, second.ID(), td.Not(first.ID()))
	})
}

func TestState(t *testing.T) {
	td.Cmp(t, procpipe.StateTimedOut.String(), "TimedOut")
	td.Cmp(t, procpipe.State(42).String(), "Unknown")
	for _, s := range []procpipe.State{procpipe.StatePending, procpipe.StateSpawned, procpipe.StateRunning} {
		td.CmpFalse(t, s.Terminal(), s.String())
	}
	for _, s := range []procpipe.State{procpipe.StateExited, procpipe.StateKilled, procpipe.StateTimedOut, procpipe.StateCanceled, procpipe.StateFailed} {
		td.CmpTrue(t, s.Terminal(), s.String())
	}
}
