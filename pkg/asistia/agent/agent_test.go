package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
	"github.com/asistia/asistia/pkg/asistia/tools"
)

// capturedRequest is the subset of the completion request the tests inspect.
type capturedRequest struct {
	Messages []reasoning.Message        `json:"messages"`
	Tools    []reasoning.ToolDefinition `json:"tools"`
}

// modelResponse writes a chat completion with the given content and calls.
func modelResponse(w http.ResponseWriter, content string, calls []reasoning.ToolCall) {
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{
				"content":    content,
				"tool_calls": calls,
			},
			"finish_reason": "stop",
		}},
	})
}

func newTestAgent(t *testing.T, handler http.HandlerFunc) (*Agent, *store.Store, *memory.Store, *store.Assistant) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem, err := memory.New(st.DB(), memory.NoopEmbedder{}, nil)
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}

	llm := reasoning.NewClient(reasoning.Config{
		BaseURL: srv.URL, APIKey: "test", Model: "test-model", MaxRetries: 0,
	}, nil)

	dispatcher := tools.NewDispatcher(nil)
	tools.RegisterMemoryTools(dispatcher, mem)

	assistant, err := st.FindOrCreateAssistant(context.Background(), "angel", "")
	if err != nil {
		t.Fatalf("FindOrCreateAssistant failed: %v", err)
	}

	return New(DefaultConfig(), llm, mem, st, dispatcher, nil), st, mem, assistant
}

func TestHandleMessage_SimpleTurn(t *testing.T) {
	var gotReq capturedRequest
	ag, st, _, assistant := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		modelResponse(w, "¡Hola! ¿En qué te ayudo?", nil)
	})

	ctx := context.Background()
	reply, err := ag.HandleMessage(ctx, assistant, "whatsapp", "chat1", "hola")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if reply.Text != "¡Hola! ¿En qué te ayudo?" {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	if len(reply.Documents) != 0 {
		t.Errorf("unexpected documents %v", reply.Documents)
	}

	// System prompt first, the new user message last.
	if len(gotReq.Messages) < 2 {
		t.Fatalf("expected system + user messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" {
		t.Errorf("first message is %q, expected system", gotReq.Messages[0].Role)
	}
	if !strings.Contains(gotReq.Messages[0].Content, assistant.Name) {
		t.Error("system prompt does not name the assistant")
	}
	last := gotReq.Messages[len(gotReq.Messages)-1]
	if last.Role != "user" || last.Content != "hola" {
		t.Errorf("last message is %+v", last)
	}

	// The turn is persisted as one user + one assistant message.
	conv, err := st.GetConversation(ctx, store.ConversationKey(assistant.ID, "whatsapp", "chat1"))
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", conv.MessageCount)
	}
}

func TestHandleMessage_RejectsEmpty(t *testing.T) {
	ag, _, _, assistant := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		modelResponse(w, "nope", nil)
	})

	if _, err := ag.HandleMessage(context.Background(), assistant, "cli", "local", "   "); err == nil {
		t.Fatal("expected error for blank message")
	}
}

func TestHandleMessage_EmptyReplyFallback(t *testing.T) {
	ag, _, _, assistant := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		modelResponse(w, "", nil)
	})

	reply, err := ag.HandleMessage(context.Background(), assistant, "cli", "local", "ok")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if reply.Text != "Listo." {
		t.Errorf("expected fallback reply, got %q", reply.Text)
	}
}

func TestHandleMessage_ToolRound(t *testing.T) {
	var calls atomic.Int32
	ag, _, mem, assistant := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		json.NewDecoder(r.Body).Decode(&req)

		if calls.Add(1) == 1 {
			modelResponse(w, "", []reasoning.ToolCall{{
				ID:   "call-1",
				Type: "function",
				Function: reasoning.FunctionCall{
					Name:      "remember_fact",
					Arguments: `{"category": "work", "content": "Tiene una obra en Polanco", "importance": 7}`,
				},
			}})
			return
		}

		// Second round must carry the tool result back to the model.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call-1" {
			t.Errorf("expected tool result message, got %+v", last)
		}
		modelResponse(w, "Anotado.", nil)
	})

	ctx := context.Background()
	reply, err := ag.HandleMessage(ctx, assistant, "whatsapp", "chat1", "tengo una obra en Polanco")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if reply.Text != "Anotado." {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 completions, got %d", calls.Load())
	}

	// The tool actually ran against the assistant's memory.
	got, err := mem.RecallCategory(ctx, assistant.ID, memory.CategoryWork, 10)
	if err != nil {
		t.Fatalf("RecallCategory failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "Tiene una obra en Polanco" {
		t.Errorf("tool did not store the fact: %+v", got)
	}
}

func TestHandleMessage_ToolIterationCap(t *testing.T) {
	var calls atomic.Int32
	ag, _, _, assistant := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		json.NewDecoder(r.Body).Decode(&req)
		calls.Add(1)

		// Keep asking for tools until the agent cuts us off.
		if len(req.Tools) > 0 {
			modelResponse(w, "", []reasoning.ToolCall{{
				ID:   "loop",
				Type: "function",
				Function: reasoning.FunctionCall{
					Name:      "search_memory",
					Arguments: `{"query": "algo"}`,
				},
			}})
			return
		}

		// Final forced completion: no tools offered, nudge message present.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "user" || !strings.Contains(last.Content, "sin usar más herramientas") {
			t.Errorf("expected forcing message last, got %+v", last)
		}
		modelResponse(w, "Esto es lo que tengo.", nil)
	})

	reply, err := ag.HandleMessage(context.Background(), assistant, "cli", "local", "busca todo")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if reply.Text != "Esto es lo que tengo." {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	// 5 tool rounds plus the forced final answer.
	if calls.Load() != 6 {
		t.Errorf("expected 6 completions, got %d", calls.Load())
	}
}

func TestHandleMessage_InlineFactStored(t *testing.T) {
	ag, _, mem, assistant := newTestAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		modelResponse(w, "¡Mucho gusto, Ángel!", nil)
	})

	ctx := context.Background()
	if _, err := ag.HandleMessage(ctx, assistant, "whatsapp", "chat1", "Hola, me llamo Ángel"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	got, err := mem.RecallCategory(ctx, assistant.ID, memory.CategoryPersonal, 10)
	if err != nil {
		t.Fatalf("RecallCategory failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 personal memory, got %d", len(got))
	}
	// The user's own words are preserved, not a normalized rewrite.
	if got[0].Content != "me llamo Ángel" {
		t.Errorf("unexpected fact %q", got[0].Content)
	}
	if got[0].Importance != 9 {
		t.Errorf("expected importance 9, got %d", got[0].Importance)
	}
}

func TestHandleMessage_MemoriesInPrompt(t *testing.T) {
	var gotSystem string
	ag, _, mem, assistant := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotSystem = req.Messages[0].Content
		modelResponse(w, "ok", nil)
	})

	ctx := context.Background()
	mem.Remember(ctx, assistant.ID, memory.CategoryWork, "Construye un edificio en Polanco", 8)
	p, _ := mem.LearnPreference(ctx, assistant.ID, memory.CategoryGeneral, "estilo", "respuestas cortas")
	mem.ConfirmPreference(ctx, p.ID)

	if _, err := ag.HandleMessage(ctx, assistant, "cli", "local", "hola"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if !strings.Contains(gotSystem, "Construye un edificio en Polanco") {
		t.Error("memory missing from system prompt")
	}
	if !strings.Contains(gotSystem, "estilo: respuestas cortas") {
		t.Error("confirmed preference missing from system prompt")
	}
	if !strings.Contains(gotSystem, "Fecha actual") {
		t.Error("current date missing from system prompt")
	}
}

func TestHandleMessage_TasksAndProjectsInPrompt(t *testing.T) {
	var gotSystem string
	ag, st, _, assistant := newTestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotSystem = req.Messages[0].Content
		modelResponse(w, "ok", nil)
	})

	ctx := context.Background()
	if _, err := st.CreateTask(ctx, assistant.ID, "Llamar al arquitecto", 5, nil); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.CreateProject(ctx, assistant.ID, "Casa Roma Norte"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	if _, err := ag.HandleMessage(ctx, assistant, "cli", "local", "hola"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if !strings.Contains(gotSystem, "[P5] Llamar al arquitecto") {
		t.Error("pending task missing from system prompt")
	}
	if !strings.Contains(gotSystem, "Casa Roma Norte") {
		t.Error("active project missing from system prompt")
	}
}

func TestFirstWords(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"Ángel", 3, "Ángel"},
		{"Ángel García Pérez y más", 3, "Ángel García Pérez"},
		{"Ángel.", 3, "Ángel"},
		{"María, mucho gusto", 1, "María"},
		{"   ", 3, ""},
	}
	for _, tt := range tests {
		if got := firstWords(tt.in, tt.n); got != tt.want {
			t.Errorf("firstWords(%q, %d): expected %q, got %q", tt.in, tt.n, tt.want, got)
		}
	}
}
