// Package tools manages the registry of callable tools and dispatches tool
// calls from the model to the registered handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// HandlerFunc is the signature for tool handlers. It receives the raw
// argument JSON and returns a result value that is serialized back to the
// model. Handlers are built with typed, which decodes the arguments into the
// tool's own struct before the handler body runs.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) (any, error)

// typed wraps a handler taking a typed argument struct. The argument JSON is
// decoded exactly once, here; decode failures surface as tool errors the
// model can react to.
func typed[T any](fn func(ctx context.Context, args T) (any, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, args)
	}
}

// registeredTool bundles a definition with its handler.
type registeredTool struct {
	def     reasoning.ToolDefinition
	handler HandlerFunc
}

// Result is the outcome of one tool call. Errors are carried as content so
// the model can react to them; they never abort the conversation turn.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
}

// Dispatcher routes tool calls to handlers by name.
type Dispatcher struct {
	mu      sync.RWMutex
	tools   map[string]registeredTool
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tools:   make(map[string]registeredTool),
		timeout: DefaultToolTimeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. Registering the same name twice replaces the handler.
func (d *Dispatcher) Register(def reasoning.ToolDefinition, handler HandlerFunc) {
	if def.Type == "" {
		def.Type = "function"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[def.Function.Name]; exists {
		d.logger.Debug("tools: replacing handler", "tool", def.Function.Name)
	}
	d.tools[def.Function.Name] = registeredTool{def: def, handler: handler}
}

// Definitions returns all tool definitions, sorted by name for stable
// prompt construction.
func (d *Dispatcher) Definitions() []reasoning.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]reasoning.ToolDefinition, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Function.Name < defs[j].Function.Name
	})
	return defs
}

// Has reports whether a tool is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}

// Dispatch executes a batch of tool calls sequentially and returns one
// result per call, in order.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []reasoning.ToolCall) []Result {
	results := make([]Result, len(calls))
	for i, call := range calls {
		results[i] = d.dispatchOne(ctx, call)
	}
	return results
}

// dispatchOne executes a single tool call. Unknown tools and handler errors
// produce an error-text result instead of failing the turn.
func (d *Dispatcher) dispatchOne(ctx context.Context, call reasoning.ToolCall) Result {
	name := call.Function.Name

	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("tools: unknown tool requested", "tool", name)
		return Result{
			ToolCallID: call.ID,
			Name:       name,
			Content:    fmt.Sprintf("Error: unknown tool %q", name),
			Err:        fmt.Errorf("unknown tool %q", name),
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	value, err := tool.handler(toolCtx, json.RawMessage(call.Function.Arguments))
	duration := time.Since(start)

	if err != nil {
		d.logger.Warn("tools: execution failed",
			"tool", name, "duration_ms", duration.Milliseconds(), "error", err)
		return Result{
			ToolCallID: call.ID,
			Name:       name,
			Content:    fmt.Sprintf("Error: %v", err),
			Err:        err,
		}
	}

	d.logger.Debug("tools: executed",
		"tool", name, "duration_ms", duration.Milliseconds())

	return Result{
		ToolCallID: call.ID,
		Name:       name,
		Content:    stringifyResult(value),
	}
}

// stringifyResult converts a handler return value into text for the model.
func stringifyResult(v any) string {
	switch val := v.(type) {
	case nil:
		return "ok"
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// schema is a small helper for writing JSON schemas inline.
func schema(s string) json.RawMessage { return json.RawMessage(s) }
