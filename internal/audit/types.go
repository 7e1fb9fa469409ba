package audit

import (
	"context"
	"time"

	"github.com/ent0n29/playground/internal/policy"
	"github.com/ent0n29/playground/internal/sessionconfig"
)

type Source string

const (
	SourceInitial Source = "initial"
	SourceRPC     Source = "rpc"
)

// Record is one configuration applied to a live session. Conversation
// content is never stored.
type Record struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	ParticipantIdentity string    `json:"participant_identity"`
	Source              Source    `json:"source"`
	Instructions        string    `json:"instructions"`
	Voice               string    `json:"voice"`
	Temperature         float64   `json:"temperature"`
	TurnDetection       string    `json:"turn_detection"`
	PIIRedacted         bool      `json:"pii_redacted"`
	CreatedAt           time.Time `json:"created_at"`
}

// NewRecord captures cfg with PII masked out of the instructions.
func NewRecord(sessionID, identity string, source Source, cfg sessionconfig.Config) Record {
	instructions, redacted := policy.RedactPII(cfg.Instructions)
	return Record{
		SessionID:           sessionID,
		ParticipantIdentity: identity,
		Source:              source,
		Instructions:        instructions,
		Voice:               cfg.Voice,
		Temperature:         cfg.Temperature,
		TurnDetection:       cfg.TurnDetection.Type,
		PIIRedacted:         redacted,
		CreatedAt:           time.Now().UTC(),
	}
}

// Store persists configuration events.
type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns up to limit records, newest first. An empty sessionID
	// spans all sessions.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Mode() string
	Close() error
}
