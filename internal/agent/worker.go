package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/room"
)

// Worker serves participants one session at a time, starting a fresh
// orchestrator whenever the previous one terminates.
type Worker struct {
	room    room.Room
	factory func() *Orchestrator
	logger  *zap.Logger
	current atomic.Pointer[Orchestrator]
}

func NewWorker(rm room.Room, factory func() *Orchestrator, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{room: rm, factory: factory, logger: logger}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		o := w.factory()
		w.current.Store(o)
		err := o.Run(ctx, w.room)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, context.DeadlineExceeded):
			w.logger.Info("no participant joined before the wait timeout", zap.String("session_id", o.ID()))
		case errors.Is(err, ErrInitialConfig):
			w.logger.Error("session start aborted", zap.String("session_id", o.ID()), zap.Error(err))
		default:
			w.logger.Error("session failed", zap.String("session_id", o.ID()), zap.Error(err))
			// Keep a failing model backend from spinning the loop.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// Current returns the orchestrator serving or awaiting a participant.
func (w *Worker) Current() *Orchestrator {
	return w.current.Load()
}

// Status reports the current session for the HTTP status endpoint.
func (w *Worker) Status() any {
	o := w.Current()
	if o == nil {
		return map[string]any{"state": StateAwaitingParticipant}
	}
	return o.Snapshot()
}
