package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/playground/internal/config"
	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/protocol"
)

const (
	joinTimeout     = 10 * time.Second
	defaultReadIdle = 120 * time.Second
	writeWait       = 10 * time.Second
)

// StatusFunc reports the current session state for GET /v1/session.
type StatusFunc func() any

// ConfigEventsFunc lists recent configuration changes, newest first.
type ConfigEventsFunc func(ctx context.Context, limit int) (any, error)

type Server struct {
	cfg          config.Config
	hub          *Hub
	status       StatusFunc
	configEvents ConfigEventsFunc
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func NewServer(cfg config.Config, hub *Hub, status StatusFunc, configEvents ConfigEventsFunc, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		hub:          hub,
		status:       status,
		configEvents: configEvents,
		metrics:      metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/session", s.handleSession)
	r.Get("/v1/session/config-events", s.handleConfigEvents)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/room/ws", s.handleRoomWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"room_id":      s.hub.ID(),
		"participants": s.hub.Count(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session status not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConfigEvents(w http.ResponseWriter, r *http.Request) {
	if s.configEvents == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "config event store not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	events, err := s.configEvents(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	var stages *observability.StageWindow
	if s.metrics != nil {
		stages = s.metrics.Stages
	}
	respondJSON(w, http.StatusOK, stages.Snapshot())
}

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	member, err := s.awaitJoin(conn)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   joinErrorCode(err),
			Source: "room",
			Detail: err.Error(),
		})
		return
	}
	identity := member.Identity
	logger := s.logger.With(zap.String("identity", identity))
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	member.Send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.hub.ID(),
		Code:      "joined",
	}, string(protocol.TypeSystemEvent))

	idle := s.readIdle()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(idle / 2)
		defer ping.Stop()
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("room write failed", zap.Error(err))
				return false
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-member.Left():
				// Removed by the agent: flush what is queued, then hang up.
				for {
					select {
					case msg := <-member.Outbound():
						if !write(msg) {
							_ = conn.Close()
							return
						}
					default:
						_ = conn.Close()
						return
					}
				}
			case msg := <-member.Outbound():
				if !write(msg) {
					cancel()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					logger.Debug("room ping failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	limiter := rate.NewLimiter(s.inboundLimit(), s.cfg.WSInboundBurst)
	var inflight sync.WaitGroup

	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			s.metrics.ObserveWSMessage("inbound_dropped", "rate_limited")
			member.Send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.hub.ID(),
				Code:      "rate_limited",
				Source:    "room",
				Retryable: true,
				Detail:    "inbound message rate exceeded",
			}, string(protocol.TypeErrorEvent))
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			member.Send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.hub.ID(),
				Code:      "invalid_client_message",
				Source:    "room",
				Detail:    err.Error(),
			}, string(protocol.TypeErrorEvent))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.RPCRequest:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				member.Send(s.performRPC(ctx, identity, msg), string(protocol.TypeRPCResponse))
			}()
		case protocol.ParticipantJoin:
			member.Send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.hub.ID(),
				Code:      "already_joined",
				Source:    "room",
				Detail:    "participant_join is only valid as the first message",
			}, string(protocol.TypeErrorEvent))
		}
	}

	s.hub.remove(member)
	cancel()
	inflight.Wait()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) awaitJoin(conn *websocket.Conn) (*Member, error) {
	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return nil, err
	}
	join, ok := parsed.(protocol.ParticipantJoin)
	if !ok {
		return nil, errJoinRequired
	}
	s.metrics.ObserveWSMessage("inbound", string(protocol.TypeParticipantJoin))
	return s.hub.Join(join.Identity, join.Metadata)
}

func (s *Server) performRPC(ctx context.Context, identity string, req protocol.RPCRequest) protocol.RPCResponse {
	resp := protocol.RPCResponse{Type: protocol.TypeRPCResponse, RequestID: req.RequestID}
	out, err := s.hub.PerformRPC(ctx, identity, req.RequestID, req.Method, req.Payload)
	if err != nil {
		resp.Error = &protocol.RPCError{Code: rpcErrorCode(err), Message: err.Error()}
		return resp
	}
	resp.Payload = out
	return resp
}

// readIdle bounds the gap between inbound frames, pongs included.
// Pings go out every half period.
func (s *Server) readIdle() time.Duration {
	if s.cfg.WSIdleTimeout <= 0 {
		return defaultReadIdle
	}
	return s.cfg.WSIdleTimeout
}

func (s *Server) inboundLimit() rate.Limit {
	if s.cfg.WSInboundRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(s.cfg.WSInboundRate)
}

var errJoinRequired = errors.New("first message must be participant_join")

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrParticipantExists):
		return "participant_exists"
	case errors.Is(err, errJoinRequired):
		return "join_required"
	default:
		return "invalid_join"
	}
}

func rpcErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return "method_not_found"
	case errors.Is(err, ErrRPCTimeout):
		return "response_timeout"
	default:
		return "application_error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ParticipantJoin:
		return m.Type, true
	case protocol.RPCRequest:
		return m.Type, true
	case protocol.RPCResponse:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
