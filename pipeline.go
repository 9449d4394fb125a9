package procpipe

import (
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// connectMu serializes wiring, so a check and the rewiring it validates are atomic across both handles.
var connectMu sync.Mutex

// Connect feeds the output of upstream into the input of downstream through a single OS pipe.
//
// Both handles must be Spawned and not started yet: the descriptors of a running process
// cannot be rewired. Downstream's own input pipe is released, anything written to it before
// is discarded. The parent's reference to upstream's output is dropped as soon as downstream
// starts, so downstream is the only reader and an early exit of downstream reaches upstream
// as a broken pipe.
func Connect(upstream, downstream *Handle) error {
	connectMu.Lock()
	defer connectMu.Unlock()

	if err := checkLink(upstream, downstream); err != nil {
		return err
	}
	link(upstream, downstream)
	return nil
}

func checkLink(upstream, downstream *Handle) error {
	if upstream == nil || downstream == nil {
		return &ConnectionError{Upstream: label(upstream), Downstream: label(downstream), Reason: "nil handle"}
	}
	fail := func(reason string) error {
		return &ConnectionError{Upstream: upstream.item.Label(), Downstream: downstream.item.Label(), Reason: reason}
	}
	if upstream == downstream {
		return fail("a handle cannot feed itself")
	}
	// Links only change under connectMu, which the caller holds.
	for u := upstream.upstream; u != nil; u = u.upstream {
		if u == downstream {
			return fail("connection would create a cycle")
		}
	}

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	downstream.mu.Lock()
	defer downstream.mu.Unlock()

	switch {
	case upstream.state.Terminal():
		return fail("upstream is " + upstream.state.String())
	case downstream.state.Terminal():
		return fail("downstream is " + downstream.state.String())
	case upstream.state != StateSpawned:
		return fail("upstream already started")
	case downstream.state != StateSpawned:
		return fail("downstream already started")
	case upstream.downstream != nil || upstream.stdout == nil:
		return fail("upstream output already connected")
	case downstream.upstream != nil:
		return fail("downstream input already connected")
	}
	return nil
}

func link(upstream, downstream *Handle) {
	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	downstream.mu.Lock()
	defer downstream.mu.Unlock()

	closeFile(&downstream.stdin)
	closeFile(&downstream.stdinChild)
	downstream.stdinChild, upstream.stdout = upstream.stdout, nil
	upstream.downstream = downstream
	downstream.upstream = upstream
}

func label(h *Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.item.Label()
}

// Pipeline is a chain of handles where each stage feeds the next one.
// Only the first stage accepts input, and only the last stage output is captured.
type Pipeline struct {
	handles []*Handle
}

// NewPipeline validates every link first and only then connects the handles,
// so an invalid chain leaves no handle half wired.
func NewPipeline(handles ...*Handle) (*Pipeline, error) {
	if len(handles) == 0 {
		return nil, &ConnectionError{Upstream: "<none>", Downstream: "<none>", Reason: "empty pipeline"}
	}
	if dup := lo.FindDuplicates(handles); len(dup) > 0 {
		return nil, &ConnectionError{Upstream: label(dup[0]), Downstream: label(dup[0]), Reason: "handle used twice"}
	}

	connectMu.Lock()
	defer connectMu.Unlock()
	for i := 1; i < len(handles); i++ {
		if err := checkLink(handles[i-1], handles[i]); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(handles); i++ {
		link(handles[i-1], handles[i])
	}
	return &Pipeline{handles: handles}, nil
}

// Handles returns the stages, in order.
func (p *Pipeline) Handles() []*Handle {
	return p.handles
}

// Start starts every stage. A stage failing to start does not prevent the others from
// starting: its pipe ends are released, so its neighbours see end of input or a broken pipe.
func (p *Pipeline) Start() error {
	return errors.Join(lo.Map(p.handles, func(h *Handle, _ int) error {
		return h.Start()
	})...)
}

// Write writes to the first stage.
func (p *Pipeline) Write(b []byte) (int, error) {
	return p.handles[0].Write(b)
}

// CloseInput closes the first stage input.
func (p *Pipeline) CloseInput() error {
	return p.handles[0].CloseInput()
}

// Wait waits for every stage concurrently, each one bounded by timeout, and returns their states.
func (p *Pipeline) Wait(timeout time.Duration) []State {
	states := make([]State, len(p.handles))
	var g errgroup.Group
	for i, h := range p.handles {
		g.Go(func() error {
			states[i] = h.Wait(timeout)
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// Kill kills every stage and returns the leaks, if any.
func (p *Pipeline) Kill() error {
	var g errgroup.Group
	errs := make([]error, len(p.handles))
	for i, h := range p.handles {
		g.Go(func() error {
			errs[i] = h.Kill()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Results returns a snapshot of every stage result.
func (p *Pipeline) Results() []Result {
	return lo.Map(p.handles, func(h *Handle, i int) Result {
		r := h.Result()
		r.Index = i
		return r
	})
}
