package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/observability"
)

// Invocation is a tool call requested by the model.
type Invocation struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Result is the outcome of one invocation. Err wraps one of ErrNotFound,
// ErrInvalidArguments or ErrExecutionFailed.
type Result struct {
	CallID   string
	Name     string
	Output   string
	Err      error
	Duration time.Duration
}

// Text is what goes back into the conversation.
func (r Result) Text() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return r.Output
}

func (r Result) Outcome() string {
	switch {
	case r.Err == nil:
		return "ok"
	case errors.Is(r.Err, ErrNotFound):
		return "not_found"
	case errors.Is(r.Err, ErrInvalidArguments):
		return "invalid_arguments"
	default:
		return "failed"
	}
}

// Executor resolves invocations against a Registry and runs them. Failures are
// reported in the Result and never returned or propagated as panics.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// NewExecutor builds an executor. A zero defaultTimeout leaves calls bounded
// only by the caller's context.
func NewExecutor(registry *Registry, defaultTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		metrics:        metrics,
		logger:         logger,
	}
}

func (e *Executor) Invoke(ctx context.Context, inv Invocation) (res Result) {
	start := time.Now()
	res = Result{CallID: inv.CallID, Name: inv.Name}
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.ObserveToolInvocation(inv.Name, res.Outcome(), res.Duration)
	}()

	def, err := e.registry.Lookup(inv.Name)
	if err != nil {
		res.Err = err
		e.logger.Warn("tool not found", zap.String("name", inv.Name), zap.String("call_id", inv.CallID))
		return res
	}

	args, err := def.Parameters.Validate(inv.Arguments)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		e.logger.Warn("invalid tool arguments", zap.String("name", inv.Name), zap.Error(err))
		return res
	}

	timeout := e.defaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		out string
		err error
	}
	// Buffered so the executor goroutine can exit after a timeout.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := def.Execute(execCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			res.Err = fmt.Errorf("%w: %v", ErrExecutionFailed, o.err)
			e.logger.Error("tool execution failed", zap.String("name", inv.Name), zap.Error(o.err))
			return res
		}
		res.Output = o.out
		e.logger.Debug("tool executed", zap.String("name", inv.Name), zap.Duration("duration", time.Since(start)))
		return res
	case <-execCtx.Done():
		res.Err = fmt.Errorf("%w: %v", ErrExecutionFailed, execCtx.Err())
		e.logger.Error("tool execution timed out", zap.String("name", inv.Name), zap.Duration("timeout", timeout))
		return res
	}
}
