package procpipe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn is matched by every error raised while creating a child process.
	ErrSpawn = errors.New("spawn failed")
	// ErrBrokenPipe is returned when writing to a child which closed its input.
	ErrBrokenPipe = errors.New("broken pipe")
	// ErrConnection is returned for invalid pipeline wiring.
	ErrConnection = errors.New("invalid pipeline connection")
	// ErrLeaked is reported when a killed process could not be reclaimed within the kill grace period.
	ErrLeaked = errors.New("process not reclaimed after kill")
	// ErrInvalidWorkItem is returned for a work item which cannot be run, such as an empty command.
	ErrInvalidWorkItem = errors.New("invalid work item")
	// ErrInvalidState is returned when an operation does not apply to the current handle state.
	ErrInvalidState = errors.New("invalid handle state")
	// ErrPoolClosed is returned by submissions to a released pool, and set on the items it canceled.
	ErrPoolClosed = errors.New("pool released")
	// ErrUnknownItem is returned for an index outside of a batch.
	ErrUnknownItem = errors.New("unknown batch item")
)

// SpawnError describes why a work item never became a running process.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %q: %v", ErrSpawn, strings.Join(e.Command, " "), e.Err)
}

// Unwrap makes errors.Is work against both ErrSpawn and the underlying cause (exec.ErrNotFound, fs.ErrPermission...).
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// ConnectionError is returned by Connect and by pipeline validation.
type ConnectionError struct {
	Upstream   string
	Downstream string
	Reason     string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %s", ErrConnection, e.Upstream, e.Downstream, e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	return ErrConnection
}
