package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "echo the text argument",
		Parameters: Schema{
			Properties: map[string]Property{
				"text":  {Type: TypeString},
				"times": {Type: TypeInteger},
			},
			Required: []string{"text"},
		},
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	first := echoTool("echo")
	require.NoError(t, r.Register(first))

	second := echoTool("echo")
	second.Description = "replacement"
	err := r.Register(second)
	require.ErrorIs(t, err, ErrDuplicateTool)

	got, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo the text argument", got.Description)
}

func TestRegistryValidatesDefinitions(t *testing.T) {
	r := NewRegistry(nil)

	noExec := echoTool("x")
	noExec.Execute = nil
	assert.Error(t, r.Register(noExec))

	assert.Error(t, r.Register(echoTool("")))
	assert.Error(t, r.Register(echoTool(" padded ")))

	badSchema := echoTool("bad")
	badSchema.Parameters.Required = []string{"missing"}
	assert.Error(t, r.Register(badSchema))

	badType := echoTool("bad_type")
	badType.Parameters.Properties["text"] = Property{Type: "object"}
	assert.Error(t, r.Register(badType))

	assert.Empty(t, r.Names())
}

func TestRegistryLookupNotFound(t *testing.T) {
	_, err := NewRegistry(nil).Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySpecsSortedWithSchema(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("zeta")))
	require.NoError(t, r.Register(echoTool("alpha")))

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "zeta", specs[1].Name)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(specs[0].Parameters, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"text"}, schema["required"])
	assert.Equal(t, false, schema["additionalProperties"])
}

func TestExecutorInvoke(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("echo")))
	require.NoError(t, r.Register(Definition{
		Name:    "broken",
		Execute: func(context.Context, map[string]any) (string, error) { return "", errors.New("upstream down") },
	}))
	require.NoError(t, r.Register(Definition{
		Name:    "panics",
		Execute: func(context.Context, map[string]any) (string, error) { panic("boom") },
	}))
	e := NewExecutor(r, time.Second, nil, nil)

	tests := []struct {
		name    string
		inv     Invocation
		wantErr error
		want    string
	}{
		{"ok", Invocation{Name: "echo", Arguments: json.RawMessage(`{"text":"hi","times":2}`)}, nil, "hi"},
		{"unregistered", Invocation{Name: "missing", Arguments: json.RawMessage(`{}`)}, ErrNotFound, ""},
		{"not an object", Invocation{Name: "echo", Arguments: json.RawMessage(`["hi"]`)}, ErrInvalidArguments, ""},
		{"missing required", Invocation{Name: "echo", Arguments: json.RawMessage(`{}`)}, ErrInvalidArguments, ""},
		{"wrong type", Invocation{Name: "echo", Arguments: json.RawMessage(`{"text":5}`)}, ErrInvalidArguments, ""},
		{"fractional integer", Invocation{Name: "echo", Arguments: json.RawMessage(`{"text":"a","times":1.5}`)}, ErrInvalidArguments, ""},
		{"unknown argument", Invocation{Name: "echo", Arguments: json.RawMessage(`{"text":"a","extra":1}`)}, ErrInvalidArguments, ""},
		{"executor error", Invocation{Name: "broken"}, ErrExecutionFailed, ""},
		{"executor panic", Invocation{Name: "panics"}, ErrExecutionFailed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Invoke(context.Background(), tt.inv)
			if tt.wantErr == nil {
				require.NoError(t, res.Err)
				assert.Equal(t, tt.want, res.Output)
				assert.Equal(t, tt.want, res.Text())
				assert.Equal(t, "ok", res.Outcome())
				return
			}
			require.ErrorIs(t, res.Err, tt.wantErr)
			assert.Contains(t, res.Text(), "error: ")
		})
	}
}

func TestExecutorOutcomeLabels(t *testing.T) {
	assert.Equal(t, "not_found", Result{Err: ErrNotFound}.Outcome())
	assert.Equal(t, "invalid_arguments", Result{Err: ErrInvalidArguments}.Outcome())
	assert.Equal(t, "failed", Result{Err: ErrExecutionFailed}.Outcome())
}

func TestExecutorTimeout(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Definition{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Execute: func(ctx context.Context, _ map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
				return "late", nil
			}
		},
	}))

	start := time.Now()
	res := NewExecutor(r, time.Minute, nil, nil).Invoke(context.Background(), Invocation{Name: "slow"})
	assert.ErrorIs(t, res.Err, ErrExecutionFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutorRunsInvocationsIndependently(t *testing.T) {
	release := make(chan struct{})
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Definition{
		Name: "blocking",
		Execute: func(ctx context.Context, _ map[string]any) (string, error) {
			<-release
			return "done", nil
		},
	}))
	require.NoError(t, r.Register(echoTool("echo")))
	e := NewExecutor(r, 0, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res := e.Invoke(context.Background(), Invocation{Name: "blocking"})
		assert.Equal(t, "done", res.Output)
	}()

	res := e.Invoke(context.Background(), Invocation{Name: "echo", Arguments: json.RawMessage(`{"text":"fast"}`)})
	assert.Equal(t, "fast", res.Output)

	close(release)
	wg.Wait()
}
