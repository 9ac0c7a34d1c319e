package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

type echoArgs struct {
	Texto string `json:"texto"`
}

func toolCall(id, name, args string) reasoning.ToolCall {
	return reasoning.ToolCall{
		ID:   id,
		Type: "function",
		Function: reasoning.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := NewDispatcher(nil)

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("call-1", "no_existe", "{}"),
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Err == nil {
		t.Error("expected error for unknown tool")
	}
	if !strings.Contains(r.Content, "unknown tool") {
		t.Errorf("expected error text in content, got %q", r.Content)
	}
	if r.ToolCallID != "call-1" {
		t.Errorf("tool call ID not propagated: %q", r.ToolCallID)
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{Name: "falla"},
	}, func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("call-1", "falla", "{}"),
	})
	if results[0].Err == nil {
		t.Error("expected error from handler")
	}
	if !strings.Contains(results[0].Content, "boom") {
		t.Errorf("handler error not in content: %q", results[0].Content)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{Name: "eco"},
	}, typed(func(_ context.Context, args echoArgs) (any, error) {
		return args.Texto, nil
	}))

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("call-1", "eco", "{not json"),
	})
	if results[0].Err == nil {
		t.Error("expected error for malformed arguments")
	}
	if !strings.Contains(results[0].Content, "invalid arguments") {
		t.Errorf("expected invalid-arguments content, got %q", results[0].Content)
	}
}

func TestDispatch_EmptyArguments(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{Name: "eco"},
	}, typed(func(_ context.Context, args echoArgs) (any, error) {
		if args.Texto != "" {
			return nil, errors.New("expected zero-value args")
		}
		return "vacío", nil
	}))

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("c1", "eco", ""),
	})
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if results[0].Content != "vacío" {
		t.Errorf("expected zero-value dispatch, got %q", results[0].Content)
	}
}

func TestDispatch_OrderAndResults(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{Name: "eco"},
	}, typed(func(_ context.Context, args echoArgs) (any, error) {
		return args.Texto, nil
	}))

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("c1", "eco", `{"texto":"uno"}`),
		toolCall("c2", "eco", `{"texto":"dos"}`),
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Content != "uno" || results[1].Content != "dos" {
		t.Errorf("results out of order: %q, %q", results[0].Content, results[1].Content)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	d := NewDispatcher(nil)
	d.timeout = 20 * time.Millisecond
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{Name: "lento"},
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("c1", "lento", "{}"),
	})
	if time.Since(start) > 500*time.Millisecond {
		t.Error("dispatch did not honor the tool timeout")
	}
	if results[0].Err == nil {
		t.Error("expected timeout error")
	}
}

func TestDefinitions_SortedByName(t *testing.T) {
	d := NewDispatcher(nil)
	for _, name := range []string{"zeta", "alfa", "media"} {
		d.Register(reasoning.ToolDefinition{
			Function: reasoning.FunctionDef{Name: name},
		}, func(_ context.Context, _ json.RawMessage) (any, error) { return nil, nil })
	}

	defs := d.Definitions()
	want := []string{"alfa", "media", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for i, def := range defs {
		if def.Function.Name != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], def.Function.Name)
		}
		if def.Type != "function" {
			t.Errorf("%s: type not defaulted to function: %q", def.Function.Name, def.Type)
		}
	}
}

func TestStringifyResult(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "ok"},
		{"string passthrough", "hola", "hola"},
		{"struct to json", map[string]int{"n": 2}, `{"n":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stringifyResult(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestArtifacts_DrainEmptiesSlot(t *testing.T) {
	a := &Artifacts{}
	a.Add("/tmp/uno.csv")
	a.Add("/tmp/dos.csv")

	first := a.Drain()
	if len(first) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(first))
	}
	if second := a.Drain(); len(second) != 0 {
		t.Errorf("second drain returned %d paths, expected none", len(second))
	}
}

func TestArtifactsContext(t *testing.T) {
	if ArtifactsFromContext(context.Background()) != nil {
		t.Error("expected nil artifacts on bare context")
	}

	a := &Artifacts{}
	ctx := ContextWithArtifacts(context.Background(), a)
	if got := ArtifactsFromContext(ctx); got != a {
		t.Error("artifacts not recovered from context")
	}
}

func TestTurnContext(t *testing.T) {
	zero := TurnFromContext(context.Background())
	if zero.AssistantID != "" {
		t.Errorf("expected zero turn on bare context, got %+v", zero)
	}

	turn := Turn{AssistantID: "a1", Channel: "whatsapp", ChatID: "chat1"}
	got := TurnFromContext(ContextWithTurn(context.Background(), turn))
	if got != turn {
		t.Errorf("expected %+v, got %+v", turn, got)
	}
}
