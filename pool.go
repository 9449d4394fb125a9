package procpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of admission: a single work item, or the stages of a pipeline which must run together.
type Job struct {
	Stages []WorkItem
}

// Single wraps an independent work item.
func Single(item WorkItem) Job {
	return Job{Stages: []WorkItem{item}}
}

// Chain builds a pipeline job: the output of each stage feeds the input of the next one.
func Chain(stages ...WorkItem) Job {
	return Job{Stages: stages}
}

// Validate checks every stage and the pipeline wiring. Only the first stage may carry Input.
func (j Job) Validate() error {
	if len(j.Stages) == 0 {
		return &ConnectionError{Upstream: "<none>", Downstream: "<none>", Reason: "empty job"}
	}
	for i, stage := range j.Stages {
		if err := stage.Validate(); err != nil {
			return err
		}
		if i > 0 && len(stage.Input) > 0 {
			return &ConnectionError{
				Upstream:   j.Stages[i-1].Label(),
				Downstream: stage.Label(),
				Reason:     "a connected stage cannot take input",
			}
		}
	}
	return nil
}

// Stats is a snapshot of the pool bookkeeping.
type Stats struct {
	Size      int // Slots, the maximum number of running processes
	Running   int // Slots in use
	Peak      int // Highest number of slots in use so far
	Queued    int // Work items waiting for a slot
	Submitted int // Work items submitted so far
	Completed int // Work items terminal so far
}

// job is the pool side of a Job.
type job struct {
	batch   *Batch
	first   int
	stages  []WorkItem
	handles []*Handle
	cancel  []bool
}

// Pool runs work items as child processes, with at most Size of them running at once.
//
// Items are admitted in submission order. A queued job is admitted as soon as enough slots are
// free, and never overtakes an earlier one. A slot is released when its process becomes
// terminal, in the same critical section which admits the next queued job.
type Pool struct {
	size    int
	s       settings
	workers *ants.Pool
	logger  *slog.Logger

	mu        sync.Mutex
	free      int
	queue     []*job
	admitted  []*job // admitted, not handed to a worker yet
	launching bool
	active    map[*job]struct{}
	closed    bool
	stats     Stats
}

// NewPool creates a pool running at most size processes at once.
func NewPool(size int, opts ...Option) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}
	s := newSettings(opts)
	// Admission is decided by the pool, so a worker is always available shortly: blocking mode never waits long.
	workers, err := ants.NewPool(size, append(slices.Clone(s.workerOpts), ants.WithNonblocking(false))...)
	if err != nil {
		return nil, err
	}
	return &Pool{
		size:    size,
		s:       s,
		workers: workers,
		logger:  s.logger,
		free:    size,
		active:  make(map[*job]struct{}),
		stats:   Stats{Size: size},
	}, nil
}

// Size returns the maximum number of running processes.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns a snapshot of the pool bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Submit submits independent work items as one batch.
func (p *Pool) Submit(items ...WorkItem) (*Batch, error) {
	return p.SubmitJobs(lo.Map(items, func(item WorkItem, _ int) Job { return Single(item) })...)
}

// SubmitJobs submits jobs as one batch. Every job is validated before anything is queued: an
// invalid item or pipeline rejects the whole batch.
func (p *Pool) SubmitJobs(jobs ...Job) (*Batch, error) {
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if len(j.Stages) > p.size {
			return nil, &ConnectionError{
				Upstream:   j.Stages[0].Label(),
				Downstream: j.Stages[len(j.Stages)-1].Label(),
				Reason:     fmt.Sprintf("%d stages cannot run in a pool of %d", len(j.Stages), p.size),
			}
		}
	}
	queued := lo.Map(jobs, func(j Job, _ int) *job {
		return &job{
			stages: lo.Map(j.Stages, func(item WorkItem, _ int) WorkItem { return item.frozen() }),
			cancel: make([]bool, len(j.Stages)),
		}
	})
	batch := newBatch(p, queued)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, queued...)
	p.stats.Submitted += batch.Len()
	p.stats.Queued += batch.Len()
	launch := p.admitLocked()
	p.mu.Unlock()

	p.logger.Debug("batch submitted", "batch", batch.ID(), "items", batch.Len())
	if launch {
		go p.launch()
	}
	return batch, nil
}

// admitLocked moves queued jobs to the launch queue while the head of the queue fits in the
// free slots. It reports whether the caller must start the launcher goroutine.
func (p *Pool) admitLocked() bool {
	for !p.closed && len(p.queue) > 0 && len(p.queue[0].stages) <= p.free {
		j := p.queue[0]
		p.queue = p.queue[1:]
		n := len(j.stages)
		p.free -= n
		p.stats.Running += n
		p.stats.Queued -= n
		p.stats.Peak = max(p.stats.Peak, p.stats.Running)
		p.active[j] = struct{}{}
		p.admitted = append(p.admitted, j)
	}
	if len(p.admitted) == 0 || p.launching {
		return false
	}
	p.launching = true
	return true
}

// launch hands admitted jobs to the workers in admission order. At most one launch goroutine
// runs at a time; it never runs on a worker, since a worker stays busy until its job returns.
func (p *Pool) launch() {
	for {
		p.mu.Lock()
		admitted := p.admitted
		p.admitted = nil
		if len(admitted) == 0 {
			p.launching = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		for _, j := range admitted {
			err := p.workers.Submit(func() { p.run(j) })
			if err == nil {
				continue
			}
			state := StateFailed
			if errors.Is(err, ants.ErrPoolClosed) {
				state, err = StateCanceled, ErrPoolClosed
			} else {
				p.logger.Error("cannot launch job", "error", err)
			}
			for stage := range j.stages {
				p.finish(j, stage, p.unranResult(j, stage, state, err), 1)
			}
		}
	}
}

// finish records the result of a stage and gives back the slots it held, then admits what now
// fits. All of it happens in one critical section, so a freed slot is either reassigned or free
// by the time anyone observes the result.
func (p *Pool) finish(j *job, stage int, r Result, slots int) {
	p.mu.Lock()
	p.free += slots
	p.stats.Running -= slots
	if j.batch.record(j.first+stage, r) {
		p.stats.Completed++
	}
	if p.jobDoneLocked(j) {
		delete(p.active, j)
	}
	launch := p.admitLocked()
	p.mu.Unlock()
	if launch {
		go p.launch()
	}
}

func (p *Pool) jobDoneLocked(j *job) bool {
	for stage := range j.stages {
		if !j.batch.isTerminal(j.first + stage) {
			return false
		}
	}
	return true
}

func (p *Pool) unranResult(j *job, stage int, state State, err error) Result {
	r := j.batch.pendingResult(j.first + stage)
	r.State = state
	r.Err = err
	return r
}

// run executes an admitted job on a worker. The job holds one slot per stage.
func (p *Pool) run(j *job) {
	handles, err := p.spawnJob(j)
	if err != nil {
		p.logger.Warn("spawn failed", "batch", j.batch.ID(), "error", err)
		// Only the stage which failed carries the error, unless none did (wiring failure).
		// Spawned siblings are Killed, later stages never got a handle and are Canceled.
		failed := lo.IndexOf(handles, nil)
		for stage, h := range handles {
			var r Result
			switch {
			case h != nil:
				r = h.Result()
				if failed < 0 {
					r.Err = err
				}
			case stage == failed:
				r = p.unranResult(j, stage, StateFailed, err)
			default:
				r = p.unranResult(j, stage, StateCanceled, context.Canceled)
			}
			p.finish(j, stage, r, 1)
		}
		return
	}

	p.mu.Lock()
	j.handles = handles
	canceled := slices.Clone(j.cancel)
	p.mu.Unlock()
	for stage, c := range canceled {
		if c {
			_ = handles[stage].Kill()
		}
	}

	var g errgroup.Group
	for stage, h := range handles {
		if err := h.Start(); err != nil {
			p.finish(j, stage, h.Result(), 1)
			continue
		}
		var input <-chan error
		if stage == 0 {
			input = p.feed(h, j.stages[0].Input)
		}
		g.Go(func() error {
			p.supervise(j, stage, h, input)
			return nil
		})
	}
	_ = g.Wait()
}

// spawnJob spawns and wires every stage. When a stage cannot be spawned, the stages already
// spawned are killed before start, so no partial pipeline ever runs.
func (p *Pool) spawnJob(j *job) ([]*Handle, error) {
	handles := make([]*Handle, len(j.stages))
	for stage, item := range j.stages {
		h, err := spawn(item, p.s)
		if err != nil {
			killAll(handles)
			return handles, err
		}
		handles[stage] = h
	}
	if len(handles) > 1 {
		if _, err := NewPipeline(handles...); err != nil {
			killAll(handles)
			return handles, err
		}
	}
	return handles, nil
}

func killAll(handles []*Handle) {
	for _, h := range handles {
		if h != nil {
			_ = h.Kill()
		}
	}
}

// feed writes input to h then closes its input. The returned channel yields the write error.
func (p *Pool) feed(h *Handle, input []byte) <-chan error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if len(input) > 0 {
			_, err = h.Write(input)
		}
		if cerr := h.CloseInput(); err == nil {
			err = cerr
		}
		errc <- err
	}()
	return errc
}

// supervise waits for a running stage, enforces its timeout and gives its slot back.
func (p *Pool) supervise(j *job, stage int, h *Handle, input <-chan error) {
	item := j.stages[stage]
	if state := h.Wait(item.Timeout); state == StateTimedOut {
		p.logger.Warn("killing timed out process", "item", item.Label(), "timeout", item.Timeout)
		_ = h.Kill()
	}
	r := h.Result()
	switch {
	case input == nil:
	case r.Warning != nil:
		// The leaked process may still hold its input: do not wait for the writer.
		select {
		case r.InputErr = <-input:
		default:
		}
	default:
		r.InputErr = <-input
	}
	p.finish(j, stage, r, 1)
}

// cancel cancels one item of a job, see Batch.Cancel.
func (p *Pool) cancel(j *job, stage int) {
	p.mu.Lock()
	if i := slices.Index(p.queue, j); i >= 0 {
		p.queue = slices.Delete(p.queue, i, i+1)
		p.stats.Queued -= len(j.stages)
		launch := p.admitLocked()
		p.mu.Unlock()
		p.logger.Debug("queued job canceled", "batch", j.batch.ID(), "stages", len(j.stages))
		for s := range j.stages {
			p.finish(j, s, p.unranResult(j, s, StateCanceled, context.Canceled), 0)
		}
		if launch {
			go p.launch()
		}
		return
	}
	if j.handles == nil {
		j.cancel[stage] = true
		p.mu.Unlock()
		return
	}
	h := j.handles[stage]
	p.mu.Unlock()
	if h != nil {
		_ = h.Kill()
	}
}

// Stream runs the work items received on in and sends their results on the returned channel as
// they complete. Result.Index is the position of the item in the stream. The output channel is
// closed once in is closed and every item is terminal.
func (p *Pool) Stream(in <-chan WorkItem) <-chan Result {
	out := make(chan Result)

	go func() {
		var wg sync.WaitGroup
		index := 0
		for item := range in {
			i := index
			index++
			batch, err := p.Submit(item)
			if err != nil {
				out <- Result{Index: i, ItemID: item.ID, Name: item.Label(), State: StateFailed, ExitCode: -1, Err: err}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				results, _ := batch.Await(context.Background())
				r := results[0]
				r.Index = i
				out <- r
			}()
		}
		// Wait for all submitted items to complete, to close out channel
		wg.Wait()
		close(out)
	}()

	return out
}

// Release cancels queued jobs, kills running ones and releases the worker goroutines.
// Submitting to a released pool returns ErrPoolClosed.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.stats.Queued = 0
	var running []*Handle
	for j := range p.active {
		if j.handles == nil {
			for s := range j.cancel {
				j.cancel[s] = true
			}
			continue
		}
		running = append(running, j.handles...)
	}
	p.mu.Unlock()

	for _, j := range queued {
		for s := range j.stages {
			p.finish(j, s, p.unranResult(j, s, StateCanceled, ErrPoolClosed), 0)
		}
	}
	killAll(running)
	p.workers.Release()
	p.logger.Debug("pool released", "canceled", len(queued), "killed", len(running))
}
