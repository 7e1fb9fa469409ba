package realtime

import (
	"context"
	"sync"

	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

// MockModel opens in-process sessions that record every call. It backs
// MODEL_PROVIDER=mock and the agent tests.
type MockModel struct {
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
	// ConnectHold, when set, makes Connect wait until it is closed.
	ConnectHold chan struct{}

	mu       sync.Mutex
	sessions []*MockSession
}

func NewMockModel() *MockModel {
	return &MockModel{}
}

func (m *MockModel) Connect(ctx context.Context, cfg sessionconfig.Config, specs []tools.Spec) (Session, error) {
	if m.ConnectHold != nil {
		select {
		case <-m.ConnectHold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	s := &MockSession{
		initial:   cfg.Clone(),
		current:   cfg.Clone(),
		tools:     append([]tools.Spec(nil), specs...),
		toolCalls: make(chan ToolCall, 16),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s, nil
}

func (m *MockModel) Sessions() []*MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSession(nil), m.sessions...)
}

// Last returns the most recently opened session, or nil.
func (m *MockModel) Last() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

type Message struct {
	Role Role
	Text string
}

type SubmittedResult struct {
	CallID string
	Output string
}

type MockSession struct {
	// UpdateErr, when set, fails every UpdateConfig.
	UpdateErr error

	mu        sync.Mutex
	initial   sessionconfig.Config
	current   sessionconfig.Config
	tools     []tools.Spec
	updates   []sessionconfig.Config
	messages  []Message
	results   []SubmittedResult
	responses int
	closeOnce sync.Once
	toolCalls chan ToolCall
	done      chan struct{}
}

func (s *MockSession) UpdateConfig(ctx context.Context, cfg sessionconfig.Config) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.current = cfg.Clone()
	s.updates = append(s.updates, cfg.Clone())
	return nil
}

func (s *MockSession) AppendMessage(ctx context.Context, role Role, text string) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: role, Text: text})
	s.mu.Unlock()
	return nil
}

func (s *MockSession) GenerateResponse(ctx context.Context) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.responses++
	s.mu.Unlock()
	return nil
}

func (s *MockSession) SubmitToolResult(ctx context.Context, callID, output string) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.results = append(s.results, SubmittedResult{CallID: callID, Output: output})
	s.mu.Unlock()
	return nil
}

func (s *MockSession) ToolCalls() <-chan ToolCall { return s.toolCalls }

func (s *MockSession) Done() <-chan struct{} { return s.done }

// Close ends the session. The tool-call channel is left open; consumers
// stop on Done.
func (s *MockSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// InjectToolCall simulates the model requesting a tool. It reports false
// once the session has ended.
func (s *MockSession) InjectToolCall(call ToolCall) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.toolCalls <- call:
		return true
	case <-s.done:
		return false
	}
}

func (s *MockSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *MockSession) InitialConfig() sessionconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial.Clone()
}

func (s *MockSession) CurrentConfig() sessionconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

func (s *MockSession) Tools() []tools.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tools.Spec(nil), s.tools...)
}

func (s *MockSession) Updates() []sessionconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessionconfig.Config(nil), s.updates...)
}

func (s *MockSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *MockSession) Results() []SubmittedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmittedResult(nil), s.results...)
}

func (s *MockSession) ResponseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses
}

func (s *MockSession) live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Closed() {
		return ErrSessionClosed
	}
	return nil
}
