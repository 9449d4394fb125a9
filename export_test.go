package procpipe

import (
	"os"

	"github.com/panjf2000/ants/v2"
)

// Workers returns the underlying goroutine pool
func (p *Pool) Workers() *ants.Pool {
	if p == nil {
		return nil
	}
	return p.workers
}

// FreeSlots returns the number of slots not in use
func (p *Pool) FreeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// WithKillFunc replaces the function sending the kill signal
func WithKillFunc(kill func(*os.Process) error) Option {
	return func(s *settings) {
		s.kill = kill
	}
}
