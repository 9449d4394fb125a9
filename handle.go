package procpipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle wraps one child process, its input and output pipes and its termination status.
//
// A Handle is created in state Spawned: the executable is resolved and the pipes are
// allocated, but no process exists yet. This is the window in which Connect can
// rewire it into a pipeline. Start creates the OS process.
type Handle struct {
	item        WorkItem
	cmd         *exec.Cmd
	logger      *slog.Logger
	killGrace   time.Duration
	kill        func(*os.Process) error
	output      *limitedBuffer
	stderr      *limitedBuffer
	done        chan struct{}
	captureDone chan struct{}

	mu         sync.Mutex
	state      State
	stdin      *os.File // parent write end, nil once closed or when fed by an upstream handle
	stdinChild *os.File // read end inherited by the child, closed by the parent after start
	stdout     *os.File // parent read end, nil once captured or handed to a downstream handle
	stdoutPipe *os.File // write end inherited by the child, closed by the parent after start
	stderrPipe *os.File // write end of standard error inherited by the child
	capture    *os.File
	errCapture *os.File
	upstream   *Handle
	downstream *Handle
	killed     bool
	exitCode   int
	signal     string
	started    time.Time
	finished   time.Time
	spawnErr   error
	leak       error
}

// Spawn prepares a child process for item. The executable must be resolvable, otherwise a
// *SpawnError is returned.
func Spawn(item WorkItem, opts ...Option) (*Handle, error) {
	return spawn(item.frozen(), newSettings(opts))
}

func spawn(item WorkItem, s settings) (*Handle, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	cmd := exec.Command(item.Command[0], item.Command[1:]...)
	if cmd.Err != nil {
		return nil, &SpawnError{Command: item.Command, Err: cmd.Err}
	}
	cmd.Env = item.environ()
	cmd.Dir = item.Dir
	configureProcess(cmd)

	// Every stream is an *os.File, so cmd.Wait returns as soon as the process is reaped.
	pipes := make([]*os.File, 0, 6)
	for range 3 {
		r, w, err := os.Pipe()
		if err != nil {
			for _, f := range pipes {
				f.Close()
			}
			return nil, &SpawnError{Command: item.Command, Err: err}
		}
		pipes = append(pipes, r, w)
	}

	h := &Handle{
		item:        item,
		cmd:         cmd,
		logger:      s.logger.With("item", item.Label(), "id", item.ID),
		killGrace:   s.killGrace,
		kill:        s.kill,
		output:      newLimitedBuffer(s.outputLimit),
		stderr:      newLimitedBuffer(s.outputLimit),
		done:        make(chan struct{}),
		captureDone: make(chan struct{}),
		state:       StateSpawned,
		stdinChild:  pipes[0],
		stdin:       pipes[1],
		stdout:      pipes[2],
		stdoutPipe:  pipes[3],
		errCapture:  pipes[4],
		stderrPipe:  pipes[5],
		exitCode:    -1,
	}
	return h, nil
}

// Start creates the OS process. A failure leaves the handle in state Failed and returns a *SpawnError.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateSpawned {
		return fmt.Errorf("%w: cannot start %s handle", ErrInvalidState, h.state)
	}
	h.cmd.Stdin = h.stdinChild
	h.cmd.Stdout = h.stdoutPipe
	h.cmd.Stderr = h.stderrPipe

	if err := h.cmd.Start(); err != nil {
		h.spawnErr = &SpawnError{Command: h.item.Command, Err: err}
		h.state = StateFailed
		h.finished = time.Now()
		h.releasePipesLocked()
		close(h.captureDone)
		close(h.done)
		h.logger.Debug("spawn failed", "error", err)
		return h.spawnErr
	}
	h.state = StateRunning
	h.started = time.Now()

	// The child owns its ends now. Closing ours is what lets EOF and SIGPIPE propagate.
	closeFile(&h.stdinChild)
	closeFile(&h.stdoutPipe)
	closeFile(&h.stderrPipe)

	var captures sync.WaitGroup
	if h.stdout != nil {
		h.capture, h.stdout = h.stdout, nil
		captures.Add(1)
		go h.captureStream(&captures, h.output, h.capture)
	}
	captures.Add(1)
	go h.captureStream(&captures, h.stderr, h.errCapture)
	go func() {
		captures.Wait()
		close(h.captureDone)
	}()
	h.logger.Debug("process started", "pid", h.cmd.Process.Pid)
	go h.reap()
	return nil
}

func (h *Handle) captureStream(wg *sync.WaitGroup, dst io.Writer, src io.Reader) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
}

// reap records the exit as soon as the process is reaped, then waits for the output
// streams before marking the handle done.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.finished = time.Now()
	if ps := h.cmd.ProcessState; ps != nil {
		h.exitCode = ps.ExitCode()
		h.signal = exitSignal(ps)
	}
	switch {
	case h.state == StateTimedOut:
	case h.killed:
		h.state = StateKilled
	default:
		h.state = StateExited
	}
	closeFile(&h.stdin)
	state, elapsed := h.state, h.finished.Sub(h.started)
	h.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.logger.Warn("wait failed", "error", err)
	}
	h.logger.Debug("process finished", "state", state, "exit_code", h.exitCode, "signal", h.signal, "elapsed", elapsed)

	// A descendant may still hold the output pipes open.
	select {
	case <-h.captureDone:
	case <-time.After(h.killGrace):
		h.logger.Warn("output still open after exit, dropping it")
		h.closeCaptures()
		<-h.captureDone
	}
	h.closeCaptures()
	close(h.done)
}

func (h *Handle) closeCaptures() {
	if h.capture != nil {
		_ = h.capture.Close()
	}
	_ = h.errCapture.Close()
}

// Write writes p to the child's standard input. ErrBrokenPipe is returned when the child closed its input.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	w := h.stdin
	h.mu.Unlock()
	if w == nil {
		return 0, fmt.Errorf("%w: input of %s is closed or connected", ErrInvalidState, h.item.Label())
	}
	n, err := w.Write(p)
	switch {
	case err == nil:
		return n, nil
	case isBrokenPipe(err):
		return n, fmt.Errorf("%w: %s", ErrBrokenPipe, h.item.Label())
	case errors.Is(err, os.ErrClosed):
		return n, fmt.Errorf("%w: input of %s is closed", ErrInvalidState, h.item.Label())
	}
	return n, err
}

// CloseInput closes the child's standard input, signaling end of input. It is idempotent.
func (h *Handle) CloseInput() error {
	h.mu.Lock()
	w := h.stdin
	h.stdin = nil
	h.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Poll returns the current state without blocking.
func (h *Handle) Poll() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the handle is done or timeout elapses. A zero timeout waits forever.
// When the timeout elapses while the process still runs, the handle becomes TimedOut and
// the caller must Kill it. A process which already exited is not timed out: Wait keeps
// waiting for its output, which is bounded by the kill grace period.
func (h *Handle) Wait(timeout time.Duration) State {
	if timeout <= 0 {
		<-h.done
		return h.Poll()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.Poll()
	case <-timer.C:
	}

	h.mu.Lock()
	if h.state == StateRunning {
		h.state = StateTimedOut
		h.logger.Warn("process timed out", "timeout", timeout)
	}
	state := h.state
	h.mu.Unlock()
	if state == StateSpawned || state == StateTimedOut {
		return state
	}
	<-h.done
	return h.Poll()
}

// Kill terminates the process (and its process group) and waits up to the kill grace period
// for it to be reclaimed. Killing a terminal handle is a no-op. When the process cannot be
// reclaimed in time, an error matching ErrLeaked is returned and kept on the Result.
func (h *Handle) Kill() error {
	h.mu.Lock()
	switch {
	case h.state == StateSpawned:
		h.killed = true
		h.state = StateKilled
		h.finished = time.Now()
		h.releasePipesLocked()
		close(h.captureDone)
		close(h.done)
		h.mu.Unlock()
		return nil
	case h.isDone():
		h.mu.Unlock()
		return nil
	case h.leak != nil:
		err := h.leak
		h.mu.Unlock()
		return err
	case !h.finished.IsZero():
		// Already exited: only descendants holding the output pipes remain.
		if err := h.kill(h.cmd.Process); err != nil {
			h.logger.Debug("kill signal failed", "error", err)
		}
		h.mu.Unlock()
		<-h.done
		return nil
	}
	if !h.killed {
		h.killed = true
		if err := h.kill(h.cmd.Process); err != nil {
			h.logger.Debug("kill signal failed", "error", err)
		}
	}
	h.mu.Unlock()

	timer := time.NewTimer(h.killGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isDone() {
		return nil
	}
	h.leak = fmt.Errorf("%w: %s (pid %d) after %s", ErrLeaked, h.item.Label(), h.cmd.Process.Pid, h.killGrace)
	h.logger.Warn("process leaked", "pid", h.cmd.Process.Pid, "grace", h.killGrace)
	return h.leak
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// releasePipesLocked closes every descriptor still held by the parent, for a handle which will never run.
func (h *Handle) releasePipesLocked() {
	closeFile(&h.stdin)
	closeFile(&h.stdinChild)
	closeFile(&h.stdout)
	closeFile(&h.stdoutPipe)
	closeFile(&h.errCapture)
	closeFile(&h.stderrPipe)
}

// Done is closed once the handle is terminal and its resources are reclaimed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ID returns the work item identifier.
func (h *Handle) ID() uuid.UUID {
	return h.item.ID
}

// Item returns the work item the handle runs.
func (h *Handle) Item() WorkItem {
	return h.item
}

// Pid returns the process id, or 0 before start.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Elapsed returns the running time, measured from start.
func (h *Handle) Elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.elapsedLocked()
}

func (h *Handle) elapsedLocked() time.Duration {
	switch {
	case h.started.IsZero():
		return 0
	case h.finished.IsZero():
		return time.Since(h.started)
	}
	return h.finished.Sub(h.started)
}

// Result returns a snapshot of the handle outcome. Output and Stderr are only set once the handle is done.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Result{
		ItemID:   h.item.ID,
		Name:     h.item.Label(),
		State:    h.state,
		ExitCode: h.exitCode,
		Signal:   h.signal,
		Started:  h.started,
		Elapsed:  h.elapsedLocked(),
		Err:      h.spawnErr,
		Warning:  h.leak,
	}
	if h.isDone() {
		if h.downstream == nil {
			r.Output = h.output.Bytes()
		}
		r.Stderr = h.stderr.Bytes()
		r.Truncated = h.output.truncated || h.stderr.truncated
	}
	return r
}

func closeFile(f **os.File) {
	if *f != nil {
		_ = (*f).Close()
		*f = nil
	}
}

// limitedBuffer keeps the first limit bytes written and silently drains the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		b.buf.Write(p[:max(room, 0)])
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Bytes returns a copy of the buffered bytes, nil when empty.
func (b *limitedBuffer) Bytes() []byte {
	if b.buf.Len() == 0 {
		return nil
	}
	return bytes.Clone(b.buf.Bytes())
}
