// Package agent implements the conversation loop: it assembles the model
// context from persona, memories, learned preferences and recent history,
// runs the bounded tool-calling loop, and produces the reply plus any
// generated documents for the channel to deliver.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
	"github.com/asistia/asistia/pkg/asistia/tools"
)

// Config holds conversation loop configuration.
type Config struct {
	// HistoryLimit caps how many stored messages feed the model context.
	// Turns are appended whole, so an even limit keeps whole exchanges.
	HistoryLimit int `yaml:"history_limit"`

	// MaxToolIterations caps the tool-calling rounds per turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// MemoryLimit caps how many memories are injected into the prompt.
	MemoryLimit int `yaml:"memory_limit"`

	// PreferenceThreshold is the minimum confidence for a learned
	// preference to be mentioned to the model.
	PreferenceThreshold float64 `yaml:"preference_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:        40,
		MaxToolIterations:   5,
		MemoryLimit:         10,
		PreferenceThreshold: 0.5,
	}
}

// Reply is the outcome of one conversation turn.
type Reply struct {
	// Text is the assistant's answer.
	Text string

	// Documents are generated file paths to deliver alongside the text.
	// The sender owns their cleanup after delivery.
	Documents []string
}

// Agent runs conversation turns for any assistant.
type Agent struct {
	cfg        Config
	llm        *reasoning.Client
	mem        *memory.Store
	store      *store.Store
	dispatcher *tools.Dispatcher
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates an Agent.
func New(cfg Config, llm *reasoning.Client, mem *memory.Store, st *store.Store, dispatcher *tools.Dispatcher, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 10
	}
	if cfg.PreferenceThreshold <= 0 {
		cfg.PreferenceThreshold = 0.5
	}
	return &Agent{
		cfg:        cfg,
		llm:        llm,
		mem:        mem,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger.With("component", "agent"),
		now:        time.Now,
	}
}

// HandleMessage runs one conversation turn and persists it. The returned
// reply text is never empty on success.
func (a *Agent) HandleMessage(ctx context.Context, assistant *store.Assistant, channel, chatID, userText string) (*Reply, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("agent: empty message")
	}

	// Inline facts ("me llamo ...") are stored before the model runs, so
	// the turn remembers them even if the completion fails.
	a.extractInlineFacts(ctx, assistant.ID, userText)

	messages, err := a.buildContext(ctx, assistant, channel, chatID, userText)
	if err != nil {
		return nil, err
	}

	artifacts := &tools.Artifacts{}
	turnCtx := tools.ContextWithTurn(ctx, tools.Turn{
		AssistantID: assistant.ID,
		Channel:     channel,
		ChatID:      chatID,
	})
	turnCtx = tools.ContextWithArtifacts(turnCtx, artifacts)

	text, err := a.runToolLoop(turnCtx, messages)
	if err != nil {
		return nil, err
	}
	if text == "" {
		text = "Listo."
	}

	if err := a.store.AppendTurn(ctx, assistant.ID, channel, chatID, userText, text); err != nil {
		// The reply is already produced; losing persistence is logged,
		// not surfaced to the user.
		a.logger.Error("agent: persisting turn failed",
			"assistant", assistant.ID, "error", err)
	}

	return &Reply{
		Text:      text,
		Documents: artifacts.Drain(),
	}, nil
}

// runToolLoop drives the model until it answers without tool calls or the
// iteration cap is hit. After the cap, one final completion runs without
// tools so the user always gets an answer.
func (a *Agent) runToolLoop(ctx context.Context, messages []reasoning.Message) (string, error) {
	defs := a.dispatcher.Definitions()

	for iteration := 0; iteration < a.cfg.MaxToolIterations; iteration++ {
		resp, err := a.llm.CompleteWithTools(ctx, messages, defs)
		if err != nil {
			return "", fmt.Errorf("agent: completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		a.logger.Debug("agent: tool round",
			"iteration", iteration+1, "calls", len(resp.ToolCalls))

		messages = append(messages, reasoning.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := a.dispatcher.Dispatch(ctx, resp.ToolCalls)
		for _, r := range results {
			messages = append(messages, reasoning.Message{
				Role:       "tool",
				ToolCallID: r.ToolCallID,
				Content:    r.Content,
			})
		}
	}

	a.logger.Warn("agent: tool iteration cap reached, forcing final answer")
	messages = append(messages, reasoning.Message{
		Role:    "user",
		Content: "Responde ahora con lo que tengas, sin usar más herramientas.",
	})
	resp, err := a.llm.CompleteWithTools(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("agent: final completion: %w", err)
	}
	return resp.Content, nil
}

// buildContext assembles system prompt, rolling history and the new user
// message.
func (a *Agent) buildContext(ctx context.Context, assistant *store.Assistant, channel, chatID, userText string) ([]reasoning.Message, error) {
	// Memories, preferences and tracked work are independent reads; fetch
	// them concurrently. Failures degrade to an emptier prompt, not an
	// aborted turn.
	var (
		wg       sync.WaitGroup
		memories []memory.Memory
		prefs    []memory.Preference
		pending  []store.Task
		projects []store.Project
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		var err error
		if memories, err = a.mem.Recall(ctx, assistant.ID, a.cfg.MemoryLimit); err != nil {
			a.logger.Warn("agent: memory recall failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if prefs, err = a.mem.ConfirmedPreferences(ctx, assistant.ID, "", a.cfg.PreferenceThreshold); err != nil {
			a.logger.Warn("agent: preference lookup failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if pending, err = a.store.PendingTasks(ctx, assistant.ID, 5); err != nil {
			a.logger.Warn("agent: task lookup failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if projects, err = a.store.ActiveProjects(ctx, assistant.ID, 5); err != nil {
			a.logger.Warn("agent: project lookup failed", "error", err)
		}
	}()
	wg.Wait()

	history, err := a.store.History(ctx, assistant.ID, channel, chatID, a.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("agent: loading history: %w", err)
	}

	messages := make([]reasoning.Message, 0, len(history)+2)
	messages = append(messages, reasoning.Message{
		Role:    "system",
		Content: a.systemPrompt(assistant, memories, prefs, pending, projects),
	})
	for _, m := range history {
		messages = append(messages, reasoning.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, reasoning.Message{Role: "user", Content: userText})
	return messages, nil
}

// systemPrompt renders the assistant's instructions in Spanish, with the
// persona, known facts, confirmed preferences and tracked work.
func (a *Agent) systemPrompt(assistant *store.Assistant, memories []memory.Memory, prefs []memory.Preference, pending []store.Task, projects []store.Project) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Eres %s, un asistente personal que conversa por mensajería. ", assistant.Name)
	b.WriteString("Responde en español, de forma breve y natural, como en un chat. ")
	b.WriteString("Usa las herramientas disponibles cuando ayuden a resolver lo que pide el usuario. ")
	b.WriteString("Cuando el usuario comparta datos personales relevantes, guárdalos con remember_fact.\n")

	if assistant.Persona != "" {
		b.WriteString("\nTu persona:\n")
		b.WriteString(assistant.Persona)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nFecha actual: %s\n", a.now().Format("Monday, 2 January 2006, 15:04"))

	if len(memories) > 0 {
		b.WriteString("\nLo que sabes del usuario:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Category, m.Content)
		}
	}

	if len(prefs) > 0 {
		b.WriteString("\nPreferencias confirmadas del usuario:\n")
		for _, p := range prefs {
			fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.Value)
		}
	}

	if len(pending) > 0 {
		b.WriteString("\nTareas pendientes del usuario:\n")
		for _, t := range pending {
			fmt.Fprintf(&b, "- [P%d] %s", t.Priority, t.Title)
			if t.DueAt != nil {
				fmt.Fprintf(&b, " (vence %s)", t.DueAt.Format("2006-01-02"))
			}
			b.WriteString("\n")
		}
	}

	if len(projects) > 0 {
		b.WriteString("\nProyectos activos del usuario:\n")
		for _, p := range projects {
			fmt.Fprintf(&b, "- %s\n", p.Name)
		}
	}

	return b.String()
}

// inlineFactPrefixes are user phrasings that introduce their name. The rest
// of the sentence is stored as a high-importance personal memory.
var inlineFactPrefixes = []string{
	"me llamo ",
	"mi nombre es ",
}

// extractInlineFacts stores self-introductions as personal memories with
// maximum practical importance, before the model sees the message.
func (a *Agent) extractInlineFacts(ctx context.Context, assistantID, text string) {
	lower := strings.ToLower(text)
	for _, prefix := range inlineFactPrefixes {
		idx := strings.Index(lower, prefix)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(text[idx+len(prefix):])
		name := firstWords(rest, 3)
		if name == "" {
			continue
		}
		// The matched sentence is stored as-is, preserving the user's own
		// casing ("Me llamo Angel").
		fact := strings.TrimSpace(text[idx:idx+len(prefix)]) + " " + name
		if _, err := a.mem.Remember(ctx, assistantID, memory.CategoryPersonal, fact, 9); err != nil {
			a.logger.Warn("agent: storing inline fact failed", "error", err)
		}
		return
	}
}

// firstWords returns up to n leading words of s, stripped of trailing
// punctuation.
func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > n {
		fields = fields[:n]
	}
	out := strings.Join(fields, " ")
	return strings.TrimRight(out, ".,;:!?")
}
