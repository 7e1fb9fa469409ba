package sessionconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Modality is an output channel the model may respond on.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// DefaultModalities is used whenever a payload does not name its own.
func DefaultModalities() []Modality {
	return []Modality{ModalityText, ModalityAudio}
}

const (
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

// TurnDetection is the policy that decides when the participant's turn ended.
type TurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   *int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string   `json:"eagerness,omitempty"`
	CreateResponse    *bool    `json:"create_response,omitempty"`
	InterruptResponse *bool    `json:"interrupt_response,omitempty"`
}

func (t TurnDetection) clone() TurnDetection {
	out := t
	if t.Threshold != nil {
		v := *t.Threshold
		out.Threshold = &v
	}
	if t.PrefixPaddingMS != nil {
		v := *t.PrefixPaddingMS
		out.PrefixPaddingMS = &v
	}
	if t.SilenceDurationMS != nil {
		v := *t.SilenceDurationMS
		out.SilenceDurationMS = &v
	}
	if t.CreateResponse != nil {
		v := *t.CreateResponse
		out.CreateResponse = &v
	}
	if t.InterruptResponse != nil {
		v := *t.InterruptResponse
		out.InterruptResponse = &v
	}
	return out
}

// TokenLimit bounds the length of one model response. The zero value means no limit.
type TokenLimit struct {
	limit int
}

const unlimitedToken = "inf"

// NoTokenLimit returns the unbounded variant.
func NoTokenLimit() TokenLimit { return TokenLimit{} }

// TokenLimitOf returns a bounded limit; n must be positive.
func TokenLimitOf(n int) (TokenLimit, error) {
	if n <= 0 {
		return TokenLimit{}, fmt.Errorf("token limit must be positive, got %d", n)
	}
	return TokenLimit{limit: n}, nil
}

func (t TokenLimit) Unlimited() bool { return t.limit == 0 }

// Value returns the bound, or 0 when unlimited.
func (t TokenLimit) Value() int { return t.limit }

func (t TokenLimit) String() string {
	if t.Unlimited() {
		return unlimitedToken
	}
	return strconv.Itoa(t.limit)
}

func (t TokenLimit) MarshalJSON() ([]byte, error) {
	if t.Unlimited() {
		return json.Marshal(unlimitedToken)
	}
	return json.Marshal(t.limit)
}

// Config is the full set of behavioral parameters applied to a live model session.
type Config struct {
	Instructions    string
	Voice           string
	Temperature     float64
	TurnDetection   TurnDetection
	Modalities      []Modality
	MaxOutputTokens TokenLimit
}

// Clone returns a deep copy so callers can hand the value across goroutines.
func (c Config) Clone() Config {
	out := c
	out.TurnDetection = c.TurnDetection.clone()
	if c.Modalities != nil {
		out.Modalities = append([]Modality(nil), c.Modalities...)
	}
	return out
}

type wireConfig struct {
	Instructions            string     `json:"instructions"`
	Voice                   string     `json:"voice"`
	Temperature             float64    `json:"temperature"`
	TurnDetection           string     `json:"turn_detection"`
	Modalities              []Modality `json:"modalities"`
	MaxResponseOutputTokens TokenLimit `json:"max_response_output_tokens"`
}

// Marshal renders the config in the participant metadata shape, with the turn
// detection policy nested as an encoded JSON string. Empty modalities are
// written as the defaults Parse would fill in, so Parse(c.Marshal()) == c for
// any c that Parse returned.
func (c Config) Marshal() (string, error) {
	td, err := json.Marshal(c.TurnDetection)
	if err != nil {
		return "", fmt.Errorf("marshal turn detection: %w", err)
	}
	modalities := c.Modalities
	if len(modalities) == 0 {
		modalities = DefaultModalities()
	}
	out, err := json.Marshal(wireConfig{
		Instructions:            c.Instructions,
		Voice:                   c.Voice,
		Temperature:             c.Temperature,
		TurnDetection:           string(td),
		Modalities:              modalities,
		MaxResponseOutputTokens: c.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

var (
	ErrMalformedConfig = errors.New("malformed config")
	ErrInvalidField    = errors.New("invalid config field")
)

// FieldError reports a single field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidField
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
