package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrExecutionFailed  = errors.New("tool execution failed")
	ErrDuplicateTool    = errors.New("tool already registered")
)

// ExecuteFunc performs the tool's side effect with validated arguments.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Definition is a tool the model may call during a session.
type Definition struct {
	Name        string
	Description string
	Parameters  Schema
	Execute     ExecuteFunc
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// Spec is the model-facing description of a tool.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry holds the tools available to one session. Names are unique: a
// second registration under an existing name is rejected and the first stays.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Definition
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]Definition),
		logger: logger,
	}
}

func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" || name != def.Name {
		return fmt.Errorf("tool name %q must be non-empty without surrounding spaces", def.Name)
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %s has no executor", name)
	}
	if err := def.Parameters.check(); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.byName[name] = def

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", def.Timeout))
	return nil
}

func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs lists the tools in name order for handing to the model.
func (r *Registry) Specs() []Spec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(names))
	for _, name := range names {
		def := r.byName[name]
		out = append(out, Spec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters.JSON(),
		})
	}
	return out
}
