// Package gateway manages messaging sessions across users, assistants and
// channels. A session is identified by its channel kind plus the pair
// "<userID>:<assistantID>": at most one live session exists per identity,
// connecting again while one is alive is a no-op, and disconnecting a
// session that does not exist is also a no-op.
//
// Each session runs its own read loop. Messages of one chat are processed
// in arrival order; the reply of a turn is sent before the next inbound
// message of that session is picked up.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/asistia/asistia/pkg/asistia/agent"
	"github.com/asistia/asistia/pkg/asistia/channels"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
)

// errorReply is sent to the user when a turn fails.
const errorReply = "Perdón, tuve un problema procesando tu mensaje. Inténtalo de nuevo."

// errorReplyFor picks a user-facing message for a failed turn based on the
// kind of model error behind it.
func errorReplyFor(err error) string {
	switch reasoning.KindOf(err) {
	case reasoning.ErrorRateLimit:
		return "Estoy recibiendo demasiadas peticiones ahora mismo. Dame un momento e inténtalo de nuevo."
	case reasoning.ErrorAuth:
		return "Hay un problema con la configuración del servicio. Avisa al administrador."
	case reasoning.ErrorContext:
		return "La conversación se hizo demasiado larga. Empieza un tema nuevo y seguimos."
	default:
		return errorReply
	}
}

// SessionKey identifies a session owner.
type SessionKey struct {
	UserID      string
	AssistantID string
}

// String renders the canonical "<userID>:<assistantID>" form.
func (k SessionKey) String() string { return k.UserID + ":" + k.AssistantID }

// TransportFactory builds a transport for a session. The status callback
// must be handed to the transport so the gateway tracks session state.
type TransportFactory func(kind channels.Kind, key SessionKey, status channels.StatusFunc) (channels.Transport, error)

// Session is one live channel link.
type Session struct {
	Key       SessionKey
	Kind      channels.Kind
	Assistant *store.Assistant

	transport channels.Transport
	cancel    context.CancelFunc

	mu           sync.RWMutex
	status       channels.SessionStatus
	statusReason string
	connectedAt  time.Time
}

// Status returns the session's current status and reason.
func (s *Session) Status() (channels.SessionStatus, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.statusReason
}

func (s *Session) setStatus(status channels.SessionStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.statusReason = reason
	if status == channels.StatusConnected && s.connectedAt.IsZero() {
		s.connectedAt = time.Now()
	}
}

// Gateway owns all sessions and routes their traffic through the agent.
type Gateway struct {
	agent   *agent.Agent
	store   *store.Store
	factory TransportFactory
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // "<kind>/<userID>:<assistantID>"
}

// New creates a Gateway.
func New(ag *agent.Agent, st *store.Store, factory TransportFactory, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		agent:    ag,
		store:    st,
		factory:  factory,
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*Session),
	}
}

func sessionMapKey(kind channels.Kind, key SessionKey) string {
	return string(kind) + "/" + key.String()
}

// Connect opens a session for the user's named assistant on the given
// channel. If a live session already exists for that identity it is
// returned unchanged.
func (g *Gateway) Connect(ctx context.Context, kind channels.Kind, userID, assistantName string) (*Session, error) {
	assistant, err := g.store.FindOrCreateAssistant(ctx, userID, assistantName)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolving assistant: %w", err)
	}

	key := SessionKey{UserID: userID, AssistantID: assistant.ID}
	mapKey := sessionMapKey(kind, key)

	g.mu.Lock()
	if existing, ok := g.sessions[mapKey]; ok {
		g.mu.Unlock()
		// Connecting again while pairing usually means the user missed the
		// code; have the transport announce it again.
		if status, _ := existing.Status(); status == channels.StatusPairing {
			if r, ok := existing.transport.(interface{ RefreshPairing() }); ok {
				r.RefreshPairing()
			}
		}
		g.logger.Debug("gateway: session already exists", "session", mapKey)
		return existing, nil
	}

	sess := &Session{
		Key:       key,
		Kind:      kind,
		Assistant: assistant,
		status:    channels.StatusConnecting,
	}
	// Register before connecting so concurrent Connect calls for the same
	// identity see the session and back off.
	g.sessions[mapKey] = sess
	g.mu.Unlock()

	transport, err := g.factory(kind, key, sess.setStatus)
	if err != nil {
		g.removeSession(mapKey)
		return nil, fmt.Errorf("gateway: building %s transport: %w", kind, err)
	}
	sess.transport = transport

	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel

	if err := transport.Connect(sessCtx); err != nil {
		cancel()
		g.removeSession(mapKey)
		return nil, fmt.Errorf("gateway: connecting %s session %s: %w", kind, key, err)
	}

	go g.readLoop(sessCtx, sess, mapKey)

	g.logger.Info("gateway: session opened",
		"channel", kind, "user", userID, "assistant", assistant.Name)
	return sess, nil
}

// Disconnect closes a session. A missing session is a no-op, not an error.
func (g *Gateway) Disconnect(ctx context.Context, kind channels.Kind, key SessionKey) error {
	mapKey := sessionMapKey(kind, key)

	g.mu.Lock()
	sess, ok := g.sessions[mapKey]
	if ok {
		delete(g.sessions, mapKey)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Debug("gateway: disconnect of unknown session", "session", mapKey)
		return nil
	}

	if sess.cancel != nil {
		sess.cancel()
	}
	if err := sess.transport.Logout(ctx); err != nil {
		g.logger.Warn("gateway: logout error", "session", mapKey, "error", err)
	}
	sess.setStatus(channels.StatusDisconnected, "disconnect")

	g.logger.Info("gateway: session closed", "channel", kind, "user", key.UserID)
	return nil
}

// Session returns the live session for an identity, if any.
func (g *Gateway) Session(kind channels.Kind, key SessionKey) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[sessionMapKey(kind, key)]
	return sess, ok
}

// Sessions returns a snapshot of all live sessions.
func (g *Gateway) Sessions() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// UserSessions returns a snapshot of the user's live sessions across all
// channels and assistants.
func (g *Gateway) UserSessions(userID string) []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Session
	for _, s := range g.sessions {
		if s.Key.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Send delivers a text message through a live session. Used by scheduled
// jobs that speak without an inbound message.
func (g *Gateway) Send(ctx context.Context, kind channels.Kind, key SessionKey, chatID, text string) error {
	sess, ok := g.Session(kind, key)
	if !ok {
		return channels.ErrNotConnected
	}
	return sess.transport.Send(ctx, chatID, text)
}

// Shutdown closes every session.
func (g *Gateway) Shutdown(ctx context.Context) {
	for _, sess := range g.Sessions() {
		if err := g.Disconnect(ctx, sess.Kind, sess.Key); err != nil {
			g.logger.Warn("gateway: shutdown disconnect failed",
				"session", sess.Key, "error", err)
		}
	}
}

func (g *Gateway) removeSession(mapKey string) {
	g.mu.Lock()
	delete(g.sessions, mapKey)
	g.mu.Unlock()
}

// readLoop consumes inbound messages until the transport closes its stream
// or the session context is cancelled.
func (g *Gateway) readLoop(ctx context.Context, sess *Session, mapKey string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sess.transport.Receive():
			if !ok {
				// The transport died on its own (logout, poll failure).
				// Keep the registry consistent.
				g.removeSession(mapKey)
				g.logger.Info("gateway: session stream ended", "session", mapKey)
				return
			}
			// Non-text payloads (stickers, media without caption) arrive
			// with empty text; there is nothing to answer.
			if msg.FromSelf || strings.TrimSpace(msg.Text) == "" {
				continue
			}
			g.handleInbound(ctx, sess, msg)
		}
	}
}

// handleInbound runs one conversation turn and delivers the reply. Generated
// documents are sent after the text and removed from disk afterwards,
// whether or not delivery succeeded.
func (g *Gateway) handleInbound(ctx context.Context, sess *Session, msg *channels.InboundMessage) {
	start := time.Now()

	reply, err := g.agent.HandleMessage(ctx, sess.Assistant, string(sess.Kind), msg.ChatID, msg.Text)
	if err != nil {
		g.logger.Error("gateway: turn failed",
			"session", sess.Key, "chat", msg.ChatID, "error", err)
		if sendErr := sess.transport.Send(ctx, msg.ChatID, errorReplyFor(err)); sendErr != nil {
			g.logger.Warn("gateway: error reply failed", "error", sendErr)
		}
		return
	}

	if err := sess.transport.Send(ctx, msg.ChatID, reply.Text); err != nil {
		g.logger.Error("gateway: sending reply failed",
			"session", sess.Key, "chat", msg.ChatID, "error", err)
	}

	for _, doc := range reply.Documents {
		if err := sess.transport.SendDocument(ctx, msg.ChatID, doc, ""); err != nil {
			g.logger.Error("gateway: sending document failed",
				"session", sess.Key, "file", doc, "error", err)
		}
		if err := os.Remove(doc); err != nil {
			g.logger.Warn("gateway: removing document failed", "file", doc, "error", err)
		}
	}

	g.logger.Info("gateway: turn done",
		"channel", sess.Kind,
		"chat", msg.ChatID,
		"duration_ms", time.Since(start).Milliseconds(),
		"documents", len(reply.Documents))
}
