package sessionconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parse decodes and validates a participant-supplied configuration blob. It is
// shared by the initial metadata path and the reconfiguration path and has no
// side effects.
func Parse(raw string) (Config, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Config{}, fmt.Errorf("%w: empty payload", ErrMalformedConfig)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if fields == nil {
		return Config{}, fmt.Errorf("%w: payload is null", ErrMalformedConfig)
	}

	cfg := Config{
		Modalities:      DefaultModalities(),
		MaxOutputTokens: NoTokenLimit(),
	}

	var err error
	if cfg.Instructions, err = requiredString(fields, "instructions"); err != nil {
		return Config{}, err
	}
	if cfg.Voice, err = requiredString(fields, "voice"); err != nil {
		return Config{}, err
	}

	rawTemp, ok := lookup(fields, "temperature")
	if !ok {
		return Config{}, fieldErr("temperature", "is required")
	}
	if cfg.Temperature, err = parseTemperature(rawTemp); err != nil {
		return Config{}, err
	}

	rawTD, ok := lookup(fields, "turn_detection")
	if !ok {
		return Config{}, fieldErr("turn_detection", "is required")
	}
	if cfg.TurnDetection, err = parseTurnDetection(rawTD); err != nil {
		return Config{}, err
	}

	if rawMod, ok := lookup(fields, "modalities"); ok {
		if cfg.Modalities, err = parseModalities(rawMod); err != nil {
			return Config{}, err
		}
	}
	if rawMax, ok := lookup(fields, "max_response_output_tokens"); ok {
		if cfg.MaxOutputTokens, err = parseTokenLimit(rawMax); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func lookup(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := fields[key]
	if !ok {
		return nil, false
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := lookup(fields, key)
	if !ok {
		return "", fieldErr(key, "is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fieldErr(key, "must be a string")
	}
	if isBlank(s) {
		return "", fieldErr(key, "must not be empty")
	}
	return s, nil
}

// parseTemperature accepts a JSON number or a numeric string.
func parseTemperature(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fieldErr("temperature", "must be numeric")
		}
		n, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fieldErr("temperature", "must be numeric, got %q", s)
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fieldErr("temperature", "must be finite")
	}
	if n < 0 {
		return 0, fieldErr("temperature", "must be non-negative")
	}
	return n, nil
}

// parseTurnDetection accepts either an inline object or a string holding an
// encoded object, which is how participant metadata carries it.
func parseTurnDetection(raw json.RawMessage) (TurnDetection, error) {
	body := []byte(raw)
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		body = []byte(encoded)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var td TurnDetection
	if err := dec.Decode(&td); err != nil {
		return TurnDetection{}, fieldErr("turn_detection", "not decodable: %v", err)
	}
	if dec.More() {
		return TurnDetection{}, fieldErr("turn_detection", "trailing data")
	}
	if err := validateTurnDetection(td); err != nil {
		return TurnDetection{}, err
	}
	return td, nil
}

func validateTurnDetection(td TurnDetection) error {
	switch td.Type {
	case TurnDetectionServerVAD:
		if td.Eagerness != "" {
			return fieldErr("turn_detection", "eagerness is only valid for %s", TurnDetectionSemanticVAD)
		}
		if td.Threshold != nil && (*td.Threshold < 0 || *td.Threshold > 1 || math.IsNaN(*td.Threshold)) {
			return fieldErr("turn_detection", "threshold must be within [0, 1]")
		}
		if td.PrefixPaddingMS != nil && *td.PrefixPaddingMS < 0 {
			return fieldErr("turn_detection", "prefix_padding_ms must be non-negative")
		}
		if td.SilenceDurationMS != nil && *td.SilenceDurationMS < 0 {
			return fieldErr("turn_detection", "silence_duration_ms must be non-negative")
		}
	case TurnDetectionSemanticVAD:
		if td.Threshold != nil || td.PrefixPaddingMS != nil || td.SilenceDurationMS != nil {
			return fieldErr("turn_detection", "%s does not take vad tuning fields", TurnDetectionSemanticVAD)
		}
		switch td.Eagerness {
		case "", "low", "medium", "high", "auto":
		default:
			return fieldErr("turn_detection", "unknown eagerness %q", td.Eagerness)
		}
	case "":
		return fieldErr("turn_detection", "type is required")
	default:
		return fieldErr("turn_detection", "unrecognized type %q", td.Type)
	}
	return nil
}

func parseModalities(raw json.RawMessage) ([]Modality, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fieldErr("modalities", "must be a list of strings")
	}
	if len(names) == 0 {
		return nil, fieldErr("modalities", "must not be empty")
	}
	out := make([]Modality, 0, len(names))
	seen := make(map[Modality]struct{}, len(names))
	for _, name := range names {
		m := Modality(name)
		if m != ModalityText && m != ModalityAudio {
			return nil, fieldErr("modalities", "unknown modality %q", name)
		}
		if _, dup := seen[m]; dup {
			return nil, fieldErr("modalities", "duplicate modality %q", name)
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

func parseTokenLimit(raw json.RawMessage) (TokenLimit, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), unlimitedToken) {
			return NoTokenLimit(), nil
		}
		return TokenLimit{}, fieldErr("max_response_output_tokens", "must be %q or a positive integer", unlimitedToken)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return TokenLimit{}, fieldErr("max_response_output_tokens", "must be %q or a positive integer", unlimitedToken)
	}
	limit, err := TokenLimitOf(n)
	if err != nil {
		return TokenLimit{}, fieldErr("max_response_output_tokens", "%v", err)
	}
	return limit, nil
}
