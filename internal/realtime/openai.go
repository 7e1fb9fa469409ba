package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/playground/internal/observability"
	"github.com/ent0n29/playground/internal/reliability"
	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

const (
	DefaultOpenAIURL   = "wss://api.openai.com/v1/realtime"
	DefaultOpenAIModel = "gpt-4o-mini-realtime-preview-2024-12-17"

	writeTimeout      = 10 * time.Second
	dialBackoffCap    = 5 * time.Second
	defaultAckTimeout = 10 * time.Second
)

type OpenAIConfig struct {
	URL          string
	APIKey       string
	Model        string
	DialAttempts int
	DialBackoff  time.Duration
	// AckTimeout bounds the wait for session.updated after a session.update.
	AckTimeout time.Duration
}

// OpenAIModel speaks the realtime websocket protocol.
type OpenAIModel struct {
	cfg     OpenAIConfig
	dialer  *websocket.Dialer
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewOpenAIModel(cfg OpenAIConfig, metrics *observability.Metrics, logger *zap.Logger) *OpenAIModel {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultOpenAIURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = 250 * time.Millisecond
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIModel{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		metrics: metrics,
		logger:  logger,
	}
}

func (m *OpenAIModel) Connect(ctx context.Context, cfg sessionconfig.Config, specs []tools.Spec) (Session, error) {
	start := time.Now()
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveStage(observability.StageModelConnect, time.Since(start))

	s := &openAISession{
		conn:       conn,
		toolCalls:  make(chan ToolCall, 16),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		ackTimeout: m.cfg.AckTimeout,
		metrics:    m.metrics,
		logger:     m.logger,
	}
	go s.readLoop()

	if err := s.applySession(ctx, newSessionPayload(cfg, specs)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initial session config: %w", err)
	}
	return s, nil
}

func (m *OpenAIModel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", m.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+m.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var conn *websocket.Conn
	err = reliability.Retry(ctx, reliability.Policy{
		Attempts: m.cfg.DialAttempts,
		Base:     m.cfg.DialBackoff,
		Max:      dialBackoffCap,
		OnRetry: func(attempt int, err error) {
			m.logger.Warn("realtime dial failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func(int) error {
		c, resp, err := m.dialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			conn = c
			return nil
		}
		if resp == nil {
			return err
		}
		err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %w", reliability.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}

type openAISession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	toolCalls  chan ToolCall
	done       chan struct{}
	closing    chan struct{}
	ackTimeout time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger

	// pending holds session.update events awaiting session.updated, in
	// the order they were written.
	pendingMu sync.Mutex
	pending   []*pendingUpdate
}

type pendingUpdate struct {
	eventID string
	result  chan error
}

func (s *openAISession) UpdateConfig(ctx context.Context, cfg sessionconfig.Config) error {
	return s.applySession(ctx, newSessionPayload(cfg, nil))
}

// applySession writes a session.update and waits for the model to accept or
// reject it. An abandoned wait leaves its entry queued so later
// acknowledgements still line up.
func (s *openAISession) applySession(ctx context.Context, payload *sessionPayload) error {
	p := &pendingUpdate{eventID: "evt_" + uuid.NewString(), result: make(chan error, 1)}
	if err := s.write(ctx, clientEvent{EventID: p.eventID, Type: eventSessionUpdate, Session: payload}, p); err != nil {
		return err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-p.result:
		return err
	case <-s.done:
		select {
		case err := <-p.result:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrUpdateTimeout, s.ackTimeout)
	}
}

func (s *openAISession) AppendMessage(ctx context.Context, role Role, text string) error {
	return s.send(ctx, clientEvent{Type: eventConversationCreate, Item: messageItem(role, text)})
}

func (s *openAISession) GenerateResponse(ctx context.Context) error {
	return s.send(ctx, clientEvent{Type: eventResponseCreate})
}

func (s *openAISession) SubmitToolResult(ctx context.Context, callID, output string) error {
	return s.send(ctx, clientEvent{Type: eventConversationCreate, Item: functionOutputItem(callID, output)})
}

func (s *openAISession) ToolCalls() <-chan ToolCall { return s.toolCalls }

func (s *openAISession) Done() <-chan struct{} { return s.done }

func (s *openAISession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closing)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *openAISession) send(ctx context.Context, ev clientEvent) error {
	ev.EventID = "evt_" + uuid.NewString()
	return s.write(ctx, ev, nil)
}

// write sends ev; a non-nil track is queued under the write lock so the
// pending order matches the wire order.
func (s *openAISession) write(ctx context.Context, ev clientEvent, track *pendingUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if track != nil {
		s.pendingMu.Lock()
		s.pending = append(s.pending, track)
		s.pendingMu.Unlock()
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		if track != nil {
			s.takePending(track.eventID)
		}
		return fmt.Errorf("write %s: %w", ev.Type, err)
	}
	return nil
}

// takePending removes and returns the update with eventID, or the oldest one
// when eventID is empty.
func (s *openAISession) takePending(eventID string) *pendingUpdate {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i, p := range s.pending {
		if eventID == "" || p.eventID == eventID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (s *openAISession) failPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	for _, p := range pending {
		p.result <- err
	}
}

func (s *openAISession) readLoop() {
	defer func() {
		s.failPending(ErrSessionClosed)
		close(s.toolCalls)
		close(s.done)
		_ = s.Close()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Info("realtime connection ended", zap.Error(err))
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("ignoring malformed realtime event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case eventFunctionArgumentsDone:
			call := ToolCall{CallID: ev.CallID, Name: ev.Name, Arguments: json.RawMessage(ev.Arguments)}
			if strings.TrimSpace(ev.Arguments) == "" {
				call.Arguments = json.RawMessage(`{}`)
			}
			select {
			case s.toolCalls <- call:
			case <-s.closing:
				return
			}
		case eventError:
			code := ""
			msg := ""
			if ev.Error != nil {
				code = ev.Error.Code
				if code == "" {
					code = ev.Error.Type
				}
				msg = ev.Error.Message
			}
			s.metrics.ObserveModelError(code)
			s.logger.Warn("realtime model error",
				zap.String("code", code),
				zap.String("message", msg),
				zap.Bool("retryable", reliability.IsRetryableRealtimeError(code)),
			)
			if ev.Error == nil || ev.Error.EventID == "" {
				continue
			}
			if p := s.takePending(ev.Error.EventID); p != nil {
				p.result <- fmt.Errorf("%w: %s: %s", ErrUpdateRejected, code, msg)
			}
		case eventSessionUpdated:
			if p := s.takePending(""); p != nil {
				p.result <- nil
			}
		case eventSessionCreated, eventResponseDone:
			s.logger.Debug("realtime event", zap.String("type", ev.Type))
		}
	}
}
