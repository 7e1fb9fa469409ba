package realtime

import (
	"encoding/json"

	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

// Client event types.
const (
	eventSessionUpdate      = "session.update"
	eventConversationCreate = "conversation.item.create"
	eventResponseCreate     = "response.create"
)

// Server event types.
const (
	eventError                 = "error"
	eventSessionCreated        = "session.created"
	eventSessionUpdated        = "session.updated"
	eventFunctionArgumentsDone = "response.function_call_arguments.done"
	eventResponseDone          = "response.done"
)

type clientEvent struct {
	EventID string            `json:"event_id,omitempty"`
	Type    string            `json:"type"`
	Session *sessionPayload   `json:"session,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
}

type sessionPayload struct {
	Modalities              []sessionconfig.Modality    `json:"modalities"`
	Instructions            string                      `json:"instructions"`
	Voice                   string                      `json:"voice"`
	Temperature             float64                     `json:"temperature"`
	TurnDetection           sessionconfig.TurnDetection `json:"turn_detection"`
	MaxResponseOutputTokens sessionconfig.TokenLimit    `json:"max_response_output_tokens"`
	Tools                   []toolPayload               `json:"tools,omitempty"`
	ToolChoice              string                      `json:"tool_choice,omitempty"`
}

type toolPayload struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type serverEvent struct {
	Type      string       `json:"type"`
	EventID   string       `json:"event_id"`
	CallID    string       `json:"call_id"`
	Name      string       `json:"name"`
	Arguments string       `json:"arguments"`
	Error     *serverError `json:"error"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// EventID names the client event that caused the error, if any.
	EventID string `json:"event_id"`
}

func newSessionPayload(cfg sessionconfig.Config, specs []tools.Spec) *sessionPayload {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = sessionconfig.DefaultModalities()
	}
	p := &sessionPayload{
		Modalities:              modalities,
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		Temperature:             cfg.Temperature,
		TurnDetection:           cfg.TurnDetection,
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
	}
	if len(specs) > 0 {
		p.ToolChoice = "auto"
		p.Tools = make([]toolPayload, 0, len(specs))
		for _, spec := range specs {
			p.Tools = append(p.Tools, toolPayload{
				Type:        "function",
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			})
		}
	}
	return p
}

func messageItem(role Role, text string) *conversationItem {
	contentType := "input_text"
	if role == RoleAssistant {
		contentType = "text"
	}
	return &conversationItem{
		Type:    "message",
		Role:    string(role),
		Content: []itemContent{{Type: contentType, Text: text}},
	}
}

func functionOutputItem(callID, output string) *conversationItem {
	return &conversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}
}
