// Package channels defines the transport contract shared by all Asistia
// communication channels. Each channel kind (WhatsApp, Telegram) implements
// the Transport interface; the gateway package multiplexes transports per
// tenant and assistant without knowing any wire protocol.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies a channel family.
type Kind string

const (
	KindWhatsApp Kind = "whatsapp"
	KindTelegram Kind = "telegram"
)

// SessionStatus is the lifecycle state of a channel session as reported by
// its transport.
type SessionStatus string

const (
	// StatusConnecting means the transport is being constructed or is
	// dialing the platform.
	StatusConnecting SessionStatus = "connecting"

	// StatusPairing means the platform requires a pairing step (QR scan)
	// before the session becomes usable.
	StatusPairing SessionStatus = "pairing"

	// StatusConnected means the session is live and can send/receive.
	StatusConnected SessionStatus = "connected"

	// StatusDisconnected means the session ended. Terminal for the session
	// object: a new Connect builds a fresh session.
	StatusDisconnected SessionStatus = "disconnected"

	// StatusError means the transport hit a fatal error; details are kept
	// on the owning session and surfaced on the next status read.
	StatusError SessionStatus = "error"
)

// StatusFunc receives transport status transitions. Implementations must not
// block: transports call it inline from their event handlers.
type StatusFunc func(status SessionStatus, reason string)

// Transport is the narrow surface the gateway depends on. Constructing a
// Transport never dials; Connect does.
type Transport interface {
	// Kind returns the channel family ("whatsapp", "telegram").
	Kind() Kind

	// Connect establishes the platform connection. It returns quickly:
	// pairing and reconnect flows continue in the background and are
	// reported through the StatusFunc.
	Connect(ctx context.Context) error

	// Logout terminates the session on the platform side (invalidating
	// stored credentials where the platform supports it) and stops the
	// transport.
	Logout(ctx context.Context) error

	// Send delivers a text message to the given chat.
	Send(ctx context.Context, chatID, text string) error

	// SendDocument delivers a file to the given chat with an optional
	// caption. The caller keeps ownership of the file.
	SendDocument(ctx context.Context, chatID, path, caption string) error

	// Receive returns the stream of inbound messages. The channel is
	// closed when the transport shuts down.
	Receive() <-chan *InboundMessage

	// Connected reports whether the session is currently live.
	Connected() bool
}

// InboundMessage is the unified envelope for a message received from any
// channel. Only plain text survives the transport boundary; media and other
// payload kinds are dropped by the transports.
type InboundMessage struct {
	// ID is the platform message identifier.
	ID string

	// ChatID addresses the conversation (JID for WhatsApp, numeric chat ID
	// for Telegram).
	ChatID string

	// From identifies the sender on the platform.
	From string

	// FromName is the sender display name when the platform provides one.
	FromName string

	// Text is the extracted plain-text content. Empty for non-text payloads.
	Text string

	// FromSelf marks echoes of the session's own outbound messages.
	FromSelf bool

	// Timestamp is when the platform recorded the message.
	Timestamp time.Time
}

// Errors shared across transports.
var (
	ErrNotConnected = fmt.Errorf("channel is not connected")
	ErrSendFailed   = fmt.Errorf("failed to send message")
)
