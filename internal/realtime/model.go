package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrSessionClosed = errors.New("realtime session closed")
	// ErrUpdateRejected wraps an error event the model sent in reply to a
	// session.update.
	ErrUpdateRejected = errors.New("realtime model rejected session update")
	ErrUpdateTimeout  = errors.New("realtime session update not acknowledged")
)

// ToolCall is a function call emitted by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Session is one live conversation with a speech-capable model.
type Session interface {
	// UpdateConfig returns once the model has accepted cfg.
	UpdateConfig(ctx context.Context, cfg sessionconfig.Config) error
	AppendMessage(ctx context.Context, role Role, text string) error
	GenerateResponse(ctx context.Context) error
	// ToolCalls may be closed when the session ends; consumers stop on Done.
	ToolCalls() <-chan ToolCall
	SubmitToolResult(ctx context.Context, callID, output string) error
	Done() <-chan struct{}
	Close() error
}

// Model opens sessions configured with cfg and the given tool set.
type Model interface {
	Connect(ctx context.Context, cfg sessionconfig.Config, specs []tools.Spec) (Session, error)
}
