package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/playground/internal/audit"
	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/realtime"
	"github.com/ent0n29/playground/internal/room"
	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

type State string

const (
	StateAwaitingParticipant State = "awaiting_participant"
	StateConfiguring         State = "configuring"
	StateActive              State = "active"
	StateTerminated          State = "terminated"
)

const DefaultGreeting = "How can I help you today?"

var ErrInitialConfig = errors.New("initial session configuration rejected")

type Options struct {
	Greeting string
	// ParticipantWaitTimeout bounds AwaitingParticipant; 0 waits forever.
	ParticipantWaitTimeout time.Duration
}

// Orchestrator drives one session from participant join to teardown.
type Orchestrator struct {
	id       string
	model    realtime.Model
	registry *tools.Registry
	executor *tools.Executor
	store    audit.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
	handle   *Handle

	toolCalls atomic.Int64

	mu          sync.RWMutex
	state       State
	participant string
	reason      string
	startedAt   time.Time
	activeAt    time.Time
	endedAt     time.Time
}

func NewOrchestrator(model realtime.Model, registry *tools.Registry, executor *tools.Executor, store audit.Store, metrics *observability.Metrics, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Orchestrator{
		id:        id,
		model:     model,
		registry:  registry,
		executor:  executor,
		store:     store,
		metrics:   metrics,
		logger:    logger.With(zap.String("session_id", id)),
		opts:      opts,
		handle:    NewHandle(),
		state:     StateAwaitingParticipant,
		startedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Run waits for a participant, configures the model session from its
// metadata and serves it until the participant leaves, the model session
// ends or ctx is cancelled. Only failures before the session becomes
// active are returned.
func (o *Orchestrator) Run(ctx context.Context, rm room.Room) error {
	defer o.terminate()

	waitCtx := ctx
	if o.opts.ParticipantWaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.opts.ParticipantWaitTimeout)
		defer cancel()
	}
	waitStart := time.Now()
	p, err := rm.WaitForParticipant(waitCtx)
	if err != nil {
		o.setReason("no_participant")
		return fmt.Errorf("wait for participant: %w", err)
	}
	o.metrics.ObserveStage(observability.StageParticipantWait, time.Since(waitStart))

	logger := o.logger.With(zap.String("participant", p.Identity))
	o.mu.Lock()
	o.state = StateConfiguring
	o.participant = p.Identity
	o.mu.Unlock()

	cfg, err := sessionconfig.Parse(p.Metadata)
	if err != nil {
		o.metrics.SessionEvent("initial_config_rejected")
		o.setReason("invalid_config")
		logger.Error("initial configuration rejected", zap.Error(err))
		rm.Disconnect(p, "invalid_config", err.Error())
		return fmt.Errorf("%w: %w", ErrInitialConfig, err)
	}

	sess, err := o.model.Connect(ctx, cfg, o.registry.Specs())
	if err != nil {
		o.metrics.SessionEvent("model_connect_failed")
		o.setReason("model_unavailable")
		logger.Error("model session failed to start", zap.Error(err))
		rm.Disconnect(p, "model_unavailable", "the model session could not be started")
		return fmt.Errorf("connect model: %w", err)
	}
	o.handle.Set(sess, cfg)

	endpoint := NewEndpoint(o.id, p.Identity, o.handle, o.store, o.metrics, logger)
	if err := rm.RegisterRPCMethod(UpdateConfigMethod, endpoint.Handle); err != nil {
		o.handle.Clear()
		_ = sess.Close()
		o.setReason("rpc_unavailable")
		rm.Disconnect(p, "rpc_unavailable", err.Error())
		return fmt.Errorf("register %s: %w", UpdateConfigMethod, err)
	}
	o.recordInitial(ctx, p.Identity, cfg)

	o.mu.Lock()
	o.state = StateActive
	o.activeAt = time.Now().UTC()
	o.mu.Unlock()
	o.metrics.SessionEvent("active")
	o.metrics.SetActiveSessions(1)
	o.metrics.ObserveStage(observability.StageJoinToActive, time.Since(p.JoinedAt))
	logger.Info("session active",
		zap.String("voice", cfg.Voice),
		zap.Float64("temperature", cfg.Temperature),
		zap.String("turn_detection", cfg.TurnDetection.Type),
	)

	if err := sess.AppendMessage(ctx, realtime.RoleAssistant, o.opts.Greeting); err != nil {
		logger.Warn("failed to seed greeting", zap.Error(err))
	} else if err := sess.GenerateResponse(ctx); err != nil {
		logger.Warn("failed to request first response", zap.Error(err))
	}

	toolCtx, cancelTools := context.WithCancel(ctx)
	var inflight errgroup.Group
	reason := o.serve(ctx, toolCtx, p.Left(), sess, &inflight, logger)

	rm.UnregisterRPCMethod(UpdateConfigMethod)
	o.handle.Clear()
	cancelTools()
	_ = sess.Close()
	_ = inflight.Wait()
	o.setReason(reason)
	logger.Info("session terminated", zap.String("reason", reason))
	return nil
}

// serve routes tool calls until the session ends and returns why it ended.
// Each tool call runs on its own goroutine in inflight.
func (o *Orchestrator) serve(ctx, toolCtx context.Context, left <-chan struct{}, sess realtime.Session, inflight *errgroup.Group, logger *zap.Logger) string {
	calls := sess.ToolCalls()
	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-left:
			return "participant_left"
		case <-sess.Done():
			return "model_closed"
		case call, ok := <-calls:
			if !ok {
				calls = nil
				continue
			}
			inflight.Go(func() error {
				o.runTool(toolCtx, sess, call, logger)
				return nil
			})
		}
	}
}

func (o *Orchestrator) runTool(ctx context.Context, sess realtime.Session, call realtime.ToolCall, logger *zap.Logger) {
	o.toolCalls.Add(1)
	res := o.executor.Invoke(ctx, tools.Invocation{
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if err := sess.SubmitToolResult(ctx, call.CallID, res.Text()); err != nil {
		logger.Warn("failed to submit tool result", zap.String("tool", call.Name), zap.Error(err))
		return
	}
	if err := sess.GenerateResponse(ctx); err != nil {
		logger.Warn("failed to request response after tool call", zap.String("tool", call.Name), zap.Error(err))
	}
}

func (o *Orchestrator) recordInitial(ctx context.Context, identity string, cfg sessionconfig.Config) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, audit.NewRecord(o.id, identity, audit.SourceInitial, cfg)); err != nil {
		o.logger.Warn("failed to record initial config", zap.Error(err))
	}
}

func (o *Orchestrator) setReason(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reason == "" {
		o.reason = reason
	}
}

func (o *Orchestrator) terminate() {
	o.mu.Lock()
	wasActive := o.state == StateActive
	o.state = StateTerminated
	o.endedAt = time.Now().UTC()
	o.mu.Unlock()
	if wasActive {
		o.metrics.SetActiveSessions(0)
	}
	o.metrics.SessionEvent("terminated")
}
