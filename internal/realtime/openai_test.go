package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/playground/internal/sessionconfig"
	"github.com/ent0n29/playground/internal/tools"
)

type fakeRealtimeServer struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *fakeConn
	header   atomic.Value
	query    atomic.Value
	// rejectVoice makes the server answer a session.update carrying this
	// voice with an error event.
	rejectVoice atomic.Value
	// silent stops the server acknowledging session.update.
	silent atomic.Bool
}

// fakeConn serializes server-side writes; the handler and the test both write.
type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *fakeConn) Close() error { return c.conn.Close() }

func newFakeRealtimeServer(t *testing.T, rejectFirst int, rejectStatus int) *fakeRealtimeServer {
	t.Helper()
	f := &fakeRealtimeServer{
		received: make(chan map[string]any, 32),
		conns:    make(chan *fakeConn, 4),
	}
	f.rejectVoice.Store("")
	var rejected int32
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(atomic.AddInt32(&rejected, 1)) <= rejectFirst {
			w.WriteHeader(rejectStatus)
			return
		}
		f.header.Store(r.Header.Clone())
		f.query.Store(r.URL.Query().Get("model"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &fakeConn{conn: ws}
		f.conns <- conn
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var ev map[string]any
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			f.received <- ev
			if ev["type"] == "session.update" && !f.silent.Load() {
				_ = conn.WriteJSON(f.acknowledge(ev))
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtimeServer) acknowledge(ev map[string]any) map[string]any {
	session, _ := ev["session"].(map[string]any)
	if reject := f.rejectVoice.Load().(string); reject != "" && session["voice"] == reject {
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":     "invalid_request_error",
				"code":     "invalid_value",
				"message":  "Invalid value: '" + reject + "'.",
				"event_id": ev["event_id"],
			},
		}
	}
	return map[string]any{"type": "session.updated", "session": session}
}

func (f *fakeRealtimeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRealtimeServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case ev := <-f.received:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client event")
		return nil
	}
}

func (f *fakeRealtimeServer) conn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func testConfig() sessionconfig.Config {
	return sessionconfig.Config{
		Instructions:  "be brief",
		Voice:         "alloy",
		Temperature:   0.7,
		TurnDetection: sessionconfig.TurnDetection{Type: sessionconfig.TurnDetectionServerVAD},
		Modalities:    sessionconfig.DefaultModalities(),
	}
}

func TestOpenAIConnectSendsSessionUpdate(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	m := NewOpenAIModel(OpenAIConfig{URL: f.url(), APIKey: "sk-test"}, nil, nil)

	specs := []tools.Spec{{Name: "weather", Description: "Get the weather", Parameters: json.RawMessage(`{"type":"object"}`)}}
	s, err := m.Connect(context.Background(), testConfig(), specs)
	require.NoError(t, err)
	defer s.Close()

	ev := f.next(t)
	assert.Equal(t, "session.update", ev["type"])
	assert.True(t, strings.HasPrefix(ev["event_id"].(string), "evt_"))
	session := ev["session"].(map[string]any)
	assert.Equal(t, "be brief", session["instructions"])
	assert.Equal(t, "alloy", session["voice"])
	assert.Equal(t, "inf", session["max_response_output_tokens"])
	assert.Equal(t, "auto", session["tool_choice"])
	toolsField := session["tools"].([]any)
	require.Len(t, toolsField, 1)
	assert.Equal(t, "function", toolsField[0].(map[string]any)["type"])
	assert.Equal(t, "weather", toolsField[0].(map[string]any)["name"])

	header := f.header.Load().(http.Header)
	assert.Equal(t, "Bearer sk-test", header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", header.Get("OpenAI-Beta"))
	assert.Equal(t, DefaultOpenAIModel, f.query.Load())
}

func TestOpenAISessionRoundTrip(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	s, err := NewOpenAIModel(OpenAIConfig{URL: f.url()}, nil, nil).Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer s.Close()
	server := f.conn(t)
	f.next(t) // initial session.update

	ctx := context.Background()
	require.NoError(t, s.AppendMessage(ctx, RoleAssistant, "How can I help you today?"))
	ev := f.next(t)
	assert.Equal(t, "conversation.item.create", ev["type"])
	item := ev["item"].(map[string]any)
	assert.Equal(t, "assistant", item["role"])
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "text", content["type"])
	assert.Equal(t, "How can I help you today?", content["text"])

	require.NoError(t, s.GenerateResponse(ctx))
	assert.Equal(t, "response.create", f.next(t)["type"])

	updated := testConfig()
	updated.Voice = "verse"
	require.NoError(t, s.UpdateConfig(ctx, updated))
	ev = f.next(t)
	assert.Equal(t, "session.update", ev["type"])
	assert.Equal(t, "verse", ev["session"].(map[string]any)["voice"])
	assert.NotContains(t, ev["session"].(map[string]any), "tools")

	require.NoError(t, server.WriteJSON(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_1",
		"name":      "weather",
		"arguments": `{"location":"Paris"}`,
	}))
	select {
	case call := <-s.ToolCalls():
		assert.Equal(t, "call_1", call.CallID)
		assert.Equal(t, "weather", call.Name)
		assert.JSONEq(t, `{"location":"Paris"}`, string(call.Arguments))
	case <-time.After(2 * time.Second):
		t.Fatal("tool call not delivered")
	}

	require.NoError(t, s.SubmitToolResult(ctx, "call_1", "The weather in Paris right now is Sunny +20°C."))
	ev = f.next(t)
	item = ev["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
	assert.Equal(t, "The weather in Paris right now is Sunny +20°C.", item["output"])
}

func TestOpenAIUpdateConfigRejected(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	f.rejectVoice.Store("nova")
	s, err := NewOpenAIModel(OpenAIConfig{URL: f.url()}, nil, nil).Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer s.Close()
	f.next(t)

	bad := testConfig()
	bad.Voice = "nova"
	err = s.UpdateConfig(context.Background(), bad)
	require.ErrorIs(t, err, ErrUpdateRejected)
	assert.Contains(t, err.Error(), "invalid_value")
	assert.Equal(t, "nova", f.next(t)["session"].(map[string]any)["voice"])

	good := testConfig()
	good.Voice = "verse"
	require.NoError(t, s.UpdateConfig(context.Background(), good), "the session keeps working after a rejection")
	assert.Equal(t, "verse", f.next(t)["session"].(map[string]any)["voice"])
}

func TestOpenAIUpdateConfigWaitsForAcknowledgement(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	s, err := NewOpenAIModel(OpenAIConfig{URL: f.url(), AckTimeout: 100 * time.Millisecond}, nil, nil).
		Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer s.Close()
	f.next(t)

	f.silent.Store(true)
	err = s.UpdateConfig(context.Background(), testConfig())
	assert.ErrorIs(t, err, ErrUpdateTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.UpdateConfig(ctx, testConfig()), context.DeadlineExceeded)
}

func TestOpenAIUpdateConfigFailsWhenSessionEnds(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	s, err := NewOpenAIModel(OpenAIConfig{URL: f.url()}, nil, nil).Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer s.Close()
	server := f.conn(t)
	f.next(t)

	f.silent.Store(true)
	result := make(chan error, 1)
	go func() { result <- s.UpdateConfig(context.Background(), testConfig()) }()
	f.next(t)
	_ = server.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not fail after the connection closed")
	}
}

func TestOpenAIConnectFailsWhenInitialConfigRejected(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	f.rejectVoice.Store("alloy")
	_, err := NewOpenAIModel(OpenAIConfig{URL: f.url()}, nil, nil).Connect(context.Background(), testConfig(), nil)
	require.ErrorIs(t, err, ErrUpdateRejected)
}

func TestOpenAISessionDoneWhenServerCloses(t *testing.T) {
	f := newFakeRealtimeServer(t, 0, 0)
	s, err := NewOpenAIModel(OpenAIConfig{URL: f.url()}, nil, nil).Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	server := f.conn(t)

	require.NoError(t, server.WriteJSON(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "server_error", "message": "oops"},
	}))
	_ = server.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	_, ok := <-s.ToolCalls()
	assert.False(t, ok)
	assert.ErrorIs(t, s.GenerateResponse(context.Background()), ErrSessionClosed)
	assert.NoError(t, s.Close())
}

func TestOpenAIDialRetriesTransientStatus(t *testing.T) {
	f := newFakeRealtimeServer(t, 2, http.StatusServiceUnavailable)
	m := NewOpenAIModel(OpenAIConfig{URL: f.url(), DialAttempts: 3, DialBackoff: time.Millisecond}, nil, nil)

	s, err := m.Connect(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "session.update", f.next(t)["type"])
}

func TestOpenAIDialDoesNotRetryAuthFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewOpenAIModel(OpenAIConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), DialAttempts: 4, DialBackoff: time.Millisecond}, nil, nil)
	_, err := m.Connect(context.Background(), testConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
