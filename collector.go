package procpipe

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Result is the terminal outcome of a work item.
type Result struct {
	// Index is the submission position of the item in its batch.
	Index  int
	ItemID uuid.UUID
	Name   string
	State  State
	// ExitCode is the process exit code, -1 when it never exited on its own.
	ExitCode int
	// Signal is the name of the signal which terminated the process, if any (unix only).
	Signal string
	// Output is the captured standard output. It is nil for intermediate pipeline stages.
	Output []byte
	Stderr []byte
	// Truncated is set when some output was dropped because of the output limit.
	Truncated bool
	// Started is when the process started, zero when it never did.
	Started time.Time
	Elapsed time.Duration
	// Err is set when the item never ran: spawn failure or cancellation.
	Err error
	// InputErr is set when the item input could not be fully delivered (ErrBrokenPipe).
	InputErr error
	// Warning is set when the process could not be reclaimed after a kill (ErrLeaked).
	Warning error
}

// Success reports whether the process exited on its own with a zero exit code.
func (r Result) Success() bool {
	return r.State == StateExited && r.ExitCode == 0
}

type itemRef struct {
	job   *job
	stage int
}

// Batch is a set of work items submitted together. It collects their results in submission order.
type Batch struct {
	id   uuid.UUID
	pool *Pool
	refs []itemRef
	done chan struct{}

	mu        sync.Mutex
	results   []Result
	terminal  []bool
	remaining int
}

func newBatch(pool *Pool, jobs []*job) *Batch {
	b := &Batch{
		id:   uuid.New(),
		pool: pool,
		done: make(chan struct{}),
	}
	for _, j := range jobs {
		j.batch = b
		j.first = len(b.refs)
		for stage, item := range j.stages {
			b.refs = append(b.refs, itemRef{job: j, stage: stage})
			b.results = append(b.results, Result{
				Index:    len(b.results),
				ItemID:   item.ID,
				Name:     item.Label(),
				State:    StatePending,
				ExitCode: -1,
			})
		}
	}
	b.terminal = make([]bool, len(b.results))
	b.remaining = len(b.results)
	if b.remaining == 0 {
		close(b.done)
	}
	return b
}

// ID identifies the batch in logs.
func (b *Batch) ID() uuid.UUID {
	return b.id
}

// Len returns the number of work items, pipeline stages included.
func (b *Batch) Len() int {
	return len(b.refs)
}

// Done is closed once every item is terminal.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Await blocks until every item is terminal and returns the results in submission order.
// If ctx ends first, ctx.Err() is returned and Await may be called again later.
func (b *Batch) Await(ctx context.Context) ([]Result, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.results), nil
}

// Poll returns the results of the items currently terminal, in submission order. It never blocks.
func (b *Batch) Poll() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Filter(b.results, func(_ Result, i int) bool {
		return b.terminal[i]
	})
}

// Cancel cancels one item. A queued item is removed from the queue, with its whole pipeline if
// it is a pipeline stage. A running item is killed. Canceling a terminal item is a no-op.
func (b *Batch) Cancel(index int) error {
	if index < 0 || index >= len(b.refs) {
		return fmt.Errorf("%w: index %d out of %d", ErrUnknownItem, index, len(b.refs))
	}
	if b.isTerminal(index) {
		return nil
	}
	ref := b.refs[index]
	b.pool.cancel(ref.job, ref.stage)
	return nil
}

// CancelAll cancels every item of the batch.
func (b *Batch) CancelAll() {
	for i := range b.refs {
		_ = b.Cancel(i)
	}
}

func (b *Batch) isTerminal(index int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal[index]
}

// record stores the terminal result of an item. Only the first record of an item counts.
func (b *Batch) record(index int, r Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal[index] {
		return false
	}
	r.Index = index
	b.results[index] = r
	b.terminal[index] = true
	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
	return true
}

// pendingResult returns the placeholder result of an item, used to build results of items which never ran.
func (b *Batch) pendingResult(index int) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[index]
}
