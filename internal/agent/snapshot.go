package agent

import (
	"time"

	"github.com/ent0n29/playground/internal/sessionconfig"
)

type ConfigView struct {
	Instructions    string                      `json:"instructions"`
	Voice           string                      `json:"voice"`
	Temperature     float64                     `json:"temperature"`
	TurnDetection   sessionconfig.TurnDetection `json:"turn_detection"`
	Modalities      []sessionconfig.Modality    `json:"modalities"`
	MaxOutputTokens sessionconfig.TokenLimit    `json:"max_response_output_tokens"`
}

type Snapshot struct {
	SessionID        string      `json:"session_id"`
	State            State       `json:"state"`
	Participant      string      `json:"participant,omitempty"`
	Config           *ConfigView `json:"config,omitempty"`
	ToolCalls        int64       `json:"tool_calls"`
	Reconfigurations int64       `json:"reconfigurations"`
	EndReason        string      `json:"end_reason,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	ActiveAt         *time.Time  `json:"active_at,omitempty"`
	EndedAt          *time.Time  `json:"ended_at,omitempty"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	snap := Snapshot{
		SessionID:        o.id,
		State:            o.state,
		Participant:      o.participant,
		ToolCalls:        o.toolCalls.Load(),
		Reconfigurations: o.handle.Applied(),
		EndReason:        o.reason,
		StartedAt:        o.startedAt,
	}
	if !o.activeAt.IsZero() {
		t := o.activeAt
		snap.ActiveAt = &t
	}
	if !o.endedAt.IsZero() {
		t := o.endedAt
		snap.EndedAt = &t
	}
	o.mu.RUnlock()

	if cfg, ok := o.handle.Config(); ok {
		snap.Config = &ConfigView{
			Instructions:    cfg.Instructions,
			Voice:           cfg.Voice,
			Temperature:     cfg.Temperature,
			TurnDetection:   cfg.TurnDetection,
			Modalities:      cfg.Modalities,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}
	}
	return snap
}
