package procpipe

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// WorkItem describes one child process to run.
type WorkItem struct {
	// ID identifies the item in results. A random one is generated on submit when zero.
	ID uuid.UUID
	// Name is an optional label used in logs.
	Name string
	// Command is the executable followed by its arguments.
	Command []string
	// Env overrides the ambient environment captured at spawn time. Nothing global is modified.
	Env map[string]string
	// Input is written to the child's standard input, which is then closed.
	Input []byte
	// Timeout bounds the running time, measured from the moment the process starts. Zero means no limit.
	Timeout time.Duration
	// Dir is the working directory. Empty means the current one.
	Dir string
}

// Validate checks the item can be spawned at all.
func (w WorkItem) Validate() error {
	if len(w.Command) == 0 || w.Command[0] == "" {
		return fmt.Errorf("%w %s: empty command", ErrInvalidWorkItem, w.Label())
	}
	if w.Timeout < 0 {
		return fmt.Errorf("%w %s: negative timeout %s", ErrInvalidWorkItem, w.Label(), w.Timeout)
	}
	for k := range w.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return fmt.Errorf("%w %s: invalid environment key %q", ErrInvalidWorkItem, w.Label(), k)
		}
	}
	return nil
}

// Label returns Name, or the command when there is no name.
func (w WorkItem) Label() string {
	if w.Name != "" {
		return w.Name
	}
	if len(w.Command) == 0 {
		return w.ID.String()
	}
	return w.Command[0]
}

// frozen returns a deep copy with an ID, so later changes by the caller are not observed.
func (w WorkItem) frozen() WorkItem {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.Command = slices.Clone(w.Command)
	w.Input = slices.Clone(w.Input)
	if w.Env != nil {
		w.Env = maps.Clone(w.Env)
	}
	return w
}

// environ merges the overrides into a snapshot of the current environment.
func (w WorkItem) environ() []string {
	ambient := os.Environ()
	if len(w.Env) == 0 {
		return ambient
	}
	env := lo.Reject(ambient, func(kv string, _ int) bool {
		key, _, _ := strings.Cut(kv, "=")
		_, overridden := w.Env[key]
		return overridden
	})
	keys := lo.Keys(w.Env)
	slices.Sort(keys)
	return append(env, lo.Map(keys, func(k string, _ int) string {
		return k + "=" + w.Env[k]
	})...)
}
