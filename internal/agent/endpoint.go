package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/audit"
	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/room"
	"github.com/ent0n29/playground/internal/sessionconfig"
)

// UpdateConfigMethod is the RPC name participants call to reconfigure.
const UpdateConfigMethod = "pg.updateConfig"

// UpdateResponse is the acknowledgment returned for every call. Error is
// only ever set for the session's own participant.
type UpdateResponse struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Endpoint applies live configuration updates sent by the participant the
// session was created for. Calls from anyone else are answered with
// changed=false and have no effect.
type Endpoint struct {
	sessionID   string
	participant string
	handle      *Handle
	store       audit.Store
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func NewEndpoint(sessionID, participant string, handle *Handle, store audit.Store, metrics *observability.Metrics, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		sessionID:   sessionID,
		participant: participant,
		handle:      handle,
		store:       store,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handle serves one pg.updateConfig call. It always answers with an
// encoded UpdateResponse and never returns an error.
func (e *Endpoint) Handle(ctx context.Context, inv room.RPCInvocation) (string, error) {
	start := time.Now()
	resp := e.update(ctx, inv)
	if resp.Changed {
		e.metrics.ObserveStage(observability.StageReconfigure, time.Since(start))
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return `{"changed":false}`, nil
	}
	return string(out), nil
}

func (e *Endpoint) update(ctx context.Context, inv room.RPCInvocation) UpdateResponse {
	logger := e.logger.With(zap.String("request_id", inv.RequestID))
	if inv.CallerIdentity != e.participant {
		e.metrics.SessionEvent("reconfigure_unauthorized")
		logger.Info("ignoring reconfiguration from non-participant", zap.String("caller", inv.CallerIdentity))
		return UpdateResponse{}
	}

	cfg, err := sessionconfig.Parse(inv.Payload)
	if err != nil {
		e.metrics.SessionEvent("reconfigure_invalid")
		logger.Info("rejecting reconfiguration payload", zap.Error(err))
		return UpdateResponse{Error: err.Error()}
	}

	if err := e.handle.Apply(ctx, cfg); err != nil {
		if errors.Is(err, ErrNotReady) {
			e.metrics.SessionEvent("reconfigure_not_ready")
			return UpdateResponse{Error: ErrNotReady.Error()}
		}
		e.metrics.SessionEvent("reconfigure_failed")
		logger.Warn("model rejected configuration update", zap.Error(err))
		return UpdateResponse{Error: "apply config: " + err.Error()}
	}

	e.metrics.SessionEvent("reconfigured")
	logger.Info("session reconfigured",
		zap.String("voice", cfg.Voice),
		zap.Float64("temperature", cfg.Temperature),
		zap.String("turn_detection", cfg.TurnDetection.Type),
	)
	e.record(ctx, cfg)
	return UpdateResponse{Changed: true}
}

func (e *Endpoint) record(ctx context.Context, cfg sessionconfig.Config) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, audit.NewRecord(e.sessionID, e.participant, audit.SourceRPC, cfg)); err != nil {
		e.logger.Warn("failed to record config event", zap.Error(err))
	}
}
