package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/playground/internal/realtime"
	"github.com/ent0n29/playground/internal/sessionconfig"
)

var ErrNotReady = errors.New("session not ready")

// Handle is the reference cell through which reconfiguration reaches the
// model session that is live right now. It is empty before the session
// connects and after teardown.
type Handle struct {
	mu      sync.Mutex
	session realtime.Session
	config  atomic.Pointer[sessionconfig.Config]
	applied atomic.Int64
}

func NewHandle() *Handle {
	return &Handle{}
}

func (h *Handle) Set(s realtime.Session, cfg sessionconfig.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
	c := cfg.Clone()
	h.config.Store(&c)
}

// Clear empties the cell and returns the session it held.
func (h *Handle) Clear() realtime.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.session
	h.session = nil
	return s
}

func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// Config returns the effective configuration. It stays readable after
// teardown so snapshots report what the session ended with.
func (h *Handle) Config() (sessionconfig.Config, bool) {
	c := h.config.Load()
	if c == nil {
		return sessionconfig.Config{}, false
	}
	return c.Clone(), true
}

// Apply pushes cfg to the live session and, once the model accepted it,
// replaces the effective configuration as a whole. Concurrent calls are
// applied one at a time.
func (h *Handle) Apply(ctx context.Context, cfg sessionconfig.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return ErrNotReady
	}
	if err := h.session.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	c := cfg.Clone()
	h.config.Store(&c)
	h.applied.Add(1)
	return nil
}

// Applied counts accepted reconfigurations.
func (h *Handle) Applied() int64 { return h.applied.Load() }
