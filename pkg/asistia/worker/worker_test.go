package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/asistia/asistia/pkg/asistia/agent"
	"github.com/asistia/asistia/pkg/asistia/channels"
	"github.com/asistia/asistia/pkg/asistia/gateway"
	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
	"github.com/asistia/asistia/pkg/asistia/tools"
)

func TestNew_RejectsBadTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Marte/Olympus_Mons"}, nil, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestStartStop_Disabled(t *testing.T) {
	w, err := New(Config{Enabled: false}, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	w, err := New(Config{Enabled: true, BriefingSchedule: "cada mañana"}, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

// briefingTransport records sends for briefing assertions.
type briefingTransport struct {
	mu   sync.Mutex
	sent []string
	msgs chan *channels.InboundMessage
}

func (b *briefingTransport) Kind() channels.Kind           { return channels.KindWhatsApp }
func (b *briefingTransport) Connect(context.Context) error { return nil }
func (b *briefingTransport) Logout(context.Context) error  { close(b.msgs); return nil }
func (b *briefingTransport) Connected() bool               { return true }
func (b *briefingTransport) Receive() <-chan *channels.InboundMessage {
	return b.msgs
}

func (b *briefingTransport) Send(_ context.Context, _ string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, text)
	return nil
}

func (b *briefingTransport) SendDocument(context.Context, string, string, string) error {
	return nil
}

func TestRunBriefings(t *testing.T) {
	var gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []reasoning.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotSystem = req.Messages[0].Content
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "¡Buenos días! Hoy tienes visita de obra."},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer st.Close()
	mem, err := memory.New(st.DB(), memory.NoopEmbedder{}, nil)
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	llm := reasoning.NewClient(reasoning.Config{BaseURL: srv.URL, APIKey: "test", MaxRetries: 0}, nil)
	ag := agent.New(agent.DefaultConfig(), llm, mem, st, tools.NewDispatcher(nil), nil)

	bt := &briefingTransport{msgs: make(chan *channels.InboundMessage)}
	gw := gateway.New(ag, st, func(channels.Kind, gateway.SessionKey, channels.StatusFunc) (channels.Transport, error) {
		return bt, nil
	}, nil)

	ctx := context.Background()
	sess, err := gw.Connect(ctx, channels.KindWhatsApp, "angel", "")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Seed context and the conversation the briefing is delivered into.
	mem.Remember(ctx, sess.Assistant.ID, memory.CategoryWork, "Visita de obra los lunes", 7)
	if _, err := st.CreateTask(ctx, sess.Assistant.ID, "Pagar nómina", 5, nil); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := st.AppendTurn(ctx, sess.Assistant.ID, "whatsapp", "chat1", "hola", "¡Hola!"); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	w, err := New(DefaultConfig(), gw, st, mem, llm, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.runBriefings(ctx)

	bt.mu.Lock()
	sent := append([]string(nil), bt.sent...)
	bt.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected 1 briefing sent, got %d", len(sent))
	}
	if sent[0] != "¡Buenos días! Hoy tienes visita de obra." {
		t.Errorf("unexpected briefing %q", sent[0])
	}
	if !strings.Contains(gotSystem, "Visita de obra los lunes") {
		t.Error("memories missing from briefing prompt")
	}
	if !strings.Contains(gotSystem, "[P5] Pagar nómina") {
		t.Error("pending task missing from briefing prompt")
	}
}

func TestRunBriefings_SkipsSessionsWithoutConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("model should not be called for sessions without conversations")
	}))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer st.Close()
	mem, err := memory.New(st.DB(), memory.NoopEmbedder{}, nil)
	if err != nil {
		t.Fatalf("memory.New failed: %v", err)
	}
	llm := reasoning.NewClient(reasoning.Config{BaseURL: srv.URL, APIKey: "test", MaxRetries: 0}, nil)
	ag := agent.New(agent.DefaultConfig(), llm, mem, st, tools.NewDispatcher(nil), nil)

	bt := &briefingTransport{msgs: make(chan *channels.InboundMessage)}
	gw := gateway.New(ag, st, func(channels.Kind, gateway.SessionKey, channels.StatusFunc) (channels.Transport, error) {
		return bt, nil
	}, nil)

	if _, err := gw.Connect(context.Background(), channels.KindWhatsApp, "angel", ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	w, err := New(DefaultConfig(), gw, st, mem, llm, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.runBriefings(context.Background())

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if len(bt.sent) != 0 {
		t.Errorf("briefing sent without a conversation: %v", bt.sent)
	}
}
