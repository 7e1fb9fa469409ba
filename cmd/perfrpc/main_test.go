package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/playground/internal/agent"
	"github.com/ent0n29/playground/internal/config"
	"github.com/ent0n29/playground/internal/realtime"
	"github.com/ent0n29/playground/internal/room"
	"github.com/ent0n29/playground/internal/tools"
)

func TestRoomWSURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":       "ws://127.0.0.1:8080/v1/room/ws",
		"https://agent.example/base/": "wss://agent.example/base/v1/room/ws",
	}
	for in, want := range cases {
		got, err := roomWSURL(in)
		if err != nil {
			t.Fatalf("roomWSURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("roomWSURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := roomWSURL("ftp://host"); err == nil {
		t.Fatalf("roomWSURL(ftp) expected error")
	}
}

func TestBuildMetadataEncodesTurnDetectionAsString(t *testing.T) {
	cfg := options{instructions: "Be brief", temperature: 0.5, turnDetection: `{"type":"server_vad"}`}
	raw, err := buildMetadata(cfg, "verse")
	if err != nil {
		t.Fatalf("buildMetadata() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("metadata not json: %v", err)
	}
	if fields["voice"] != "verse" {
		t.Fatalf("voice = %v, want verse", fields["voice"])
	}
	if td, ok := fields["turn_detection"].(string); !ok || td != `{"type":"server_vad"}` {
		t.Fatalf("turn_detection = %#v, want encoded string", fields["turn_detection"])
	}
}

func TestParseFlagsValidation(t *testing.T) {
	if _, err := parseFlags([]string{"-calls", "0"}); err == nil {
		t.Fatalf("expected error for calls=0")
	}
	if _, err := parseFlags([]string{"-voices", " | "}); err == nil {
		t.Fatalf("expected error for empty voices")
	}
	cfg, err := parseFlags([]string{"-voices", "alloy| verse "})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if len(cfg.voices) != 2 || cfg.voices[1] != "verse" {
		t.Fatalf("voices = %v", cfg.voices)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 0.5); got != 6 {
		t.Fatalf("p50 = %d, want 6", got)
	}
	if got := percentile(sorted, 1); got != 10 {
		t.Fatalf("max = %d, want 10", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Fatalf("empty percentile = %d, want 0", got)
	}
}

func TestRunAgainstLiveAgent(t *testing.T) {
	hub := room.NewHub(time.Second, nil, nil)
	model := realtime.NewMockModel()
	registry := tools.NewRegistry(nil)
	orch := agent.NewOrchestrator(model, registry, tools.NewExecutor(registry, time.Second, nil, nil), nil, nil, nil, agent.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = orch.Run(ctx, hub) }()

	srv := httptest.NewServer(room.NewServer(config.Config{WSInboundBurst: 100}, hub, nil, nil, nil, nil).Router())
	defer srv.Close()

	cfg := options{
		baseURL:       srv.URL,
		identity:      "perf",
		instructions:  "Be brief",
		voices:        []string{"alloy", "verse"},
		temperature:   0.6,
		turnDetection: `{"type":"server_vad"}`,
		calls:         4,
		callTimeout:   2 * time.Second,
		readyTimeout:  2 * time.Second,
	}
	var out bytes.Buffer
	s, err := run(ctx, cfg, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if s.Calls != 4 || s.Changed != 4 {
		t.Fatalf("summary = %+v, want 4 changed calls", s)
	}
	if got := model.Last().CurrentConfig().Voice; got != "verse" {
		t.Fatalf("final voice = %q, want verse", got)
	}
}
