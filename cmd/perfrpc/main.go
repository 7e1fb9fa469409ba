package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/playground/internal/agent"
	"github.com/ent0n29/playground/internal/protocol"
)

type options struct {
	baseURL       string
	identity      string
	instructions  string
	voices        []string
	temperature   float64
	turnDetection string
	calls         int
	interCall     time.Duration
	callTimeout   time.Duration
	readyTimeout  time.Duration
	verbose       bool
}

type wsEnvelope struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id,omitempty"`
	Payload   string             `json:"payload,omitempty"`
	Error     *protocol.RPCError `json:"error,omitempty"`
	Code      string             `json:"code,omitempty"`
	Detail    string             `json:"detail,omitempty"`
}

type summary struct {
	Calls     int
	Changed   int
	Latencies []time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfrpc: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	s, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfrpc: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, s)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var voicesRaw string
	fs := flag.NewFlagSet("perfrpc", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "agent base URL")
	fs.StringVar(&cfg.identity, "identity", "perf-participant", "participant identity used to join the room")
	fs.StringVar(&cfg.instructions, "instructions", "You are a concise assistant.", "instructions sent on join and on every update")
	fs.StringVar(&voicesRaw, "voices", "alloy|verse|shimmer", "voices to cycle through, separated by '|'")
	fs.Float64Var(&cfg.temperature, "temperature", 0.8, "temperature sent with every configuration")
	fs.StringVar(&cfg.turnDetection, "turn-detection", `{"type":"server_vad"}`, "encoded turn detection object")
	fs.IntVar(&cfg.calls, "calls", 20, "number of pg.updateConfig calls")
	fs.DurationVar(&cfg.interCall, "inter-call", 50*time.Millisecond, "delay between calls")
	fs.DurationVar(&cfg.callTimeout, "call-timeout", 15*time.Second, "timeout waiting for each rpc_response")
	fs.DurationVar(&cfg.readyTimeout, "ready-timeout", 20*time.Second, "how long to wait for the agent to accept updates")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.identity) == "" {
		return options{}, fmt.Errorf("identity is required")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	if cfg.callTimeout < 100*time.Millisecond {
		cfg.callTimeout = 100 * time.Millisecond
	}
	if cfg.interCall < 0 {
		cfg.interCall = 0
	}
	for _, part := range strings.Split(voicesRaw, "|") {
		if v := strings.TrimSpace(part); v != "" {
			cfg.voices = append(cfg.voices, v)
		}
	}
	if len(cfg.voices) == 0 {
		return options{}, fmt.Errorf("voices produced no non-empty names")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) (summary, error) {
	wsURL, err := roomWSURL(cfg.baseURL)
	if err != nil {
		return summary{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return summary{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	metadata, err := buildMetadata(cfg, cfg.voices[0])
	if err != nil {
		return summary{}, err
	}
	if err := conn.WriteJSON(protocol.ParticipantJoin{
		Type:     protocol.TypeParticipantJoin,
		Identity: cfg.identity,
		Metadata: metadata,
	}); err != nil {
		return summary{}, fmt.Errorf("send join: %w", err)
	}

	joinedCh := make(chan struct{}, 1)
	respCh := make(chan wsEnvelope, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, joinedCh, respCh, readErrCh, out, cfg.verbose)

	if err := awaitJoined(ctx, joinedCh, readErrCh, cfg.callTimeout); err != nil {
		return summary{}, fmt.Errorf("await join: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "perfrpc: joined as %s, calls=%d voices=%v\n", cfg.identity, cfg.calls, cfg.voices)
	}

	var s summary
	readyDeadline := time.Now().Add(cfg.readyTimeout)
	for i := 0; i < cfg.calls; {
		voice := cfg.voices[i%len(cfg.voices)]
		payload, err := buildMetadata(cfg, voice)
		if err != nil {
			return s, err
		}
		requestID := fmt.Sprintf("perf-%d-%d", i, time.Now().UnixNano())
		start := time.Now()
		if err := conn.WriteJSON(protocol.RPCRequest{
			Type:      protocol.TypeRPCRequest,
			RequestID: requestID,
			Method:    agent.UpdateConfigMethod,
			Payload:   payload,
		}); err != nil {
			return s, fmt.Errorf("call %d send: %w", i+1, err)
		}
		resp, err := awaitResponse(ctx, respCh, readErrCh, requestID, cfg.callTimeout)
		if err != nil {
			return s, fmt.Errorf("call %d await rpc_response: %w", i+1, err)
		}
		elapsed := time.Since(start)

		if resp.Error != nil {
			// The agent registers the method only once the session is active.
			if resp.Error.Code == "method_not_found" && s.Calls == 0 && time.Now().Before(readyDeadline) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return s, fmt.Errorf("call %d: %s: %s", i+1, resp.Error.Code, resp.Error.Message)
		}

		var ack agent.UpdateResponse
		if err := json.Unmarshal([]byte(resp.Payload), &ack); err != nil {
			return s, fmt.Errorf("call %d decode ack: %w", i+1, err)
		}
		s.Calls++
		s.Latencies = append(s.Latencies, elapsed)
		if ack.Changed {
			s.Changed++
		}
		if cfg.verbose {
			fmt.Fprintf(out, "perfrpc: call %d/%d voice=%s changed=%t latency=%s %s\n", i+1, cfg.calls, voice, ack.Changed, elapsed.Round(time.Microsecond), ack.Error)
		}
		i++
		if cfg.interCall > 0 && i < cfg.calls {
			time.Sleep(cfg.interCall)
		}
	}
	return s, nil
}

func buildMetadata(cfg options, voice string) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"instructions":   cfg.instructions,
		"voice":          voice,
		"temperature":    cfg.temperature,
		"turn_detection": cfg.turnDetection,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func roomWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/room/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, joinedCh chan<- struct{}, respCh chan<- wsEnvelope, readErrCh chan<- error, out io.Writer, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeSystemEvent):
			if env.Code == "joined" {
				select {
				case joinedCh <- struct{}{}:
				default:
				}
			}
		case string(protocol.TypeRPCResponse):
			respCh <- env
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(out, "perfrpc: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitJoined(ctx context.Context, joinedCh <-chan struct{}, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-joinedCh:
		return nil
	case err := <-readErrCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

func awaitResponse(ctx context.Context, respCh <-chan wsEnvelope, readErrCh <-chan error, requestID string, timeout time.Duration) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-respCh:
			if env.RequestID == requestID {
				return env, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(out io.Writer, s summary) {
	sorted := append([]time.Duration(nil), s.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	fmt.Fprintf(out, "perfrpc: calls=%d changed=%d p50=%s p95=%s max=%s\n",
		s.Calls, s.Changed,
		percentile(sorted, 0.50).Round(time.Microsecond),
		percentile(sorted, 0.95).Round(time.Microsecond),
		percentile(sorted, 1).Round(time.Microsecond),
	)
}
