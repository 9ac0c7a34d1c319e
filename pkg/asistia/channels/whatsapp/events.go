// Package whatsapp – events.go processes whatsmeow events and converts
// message events into the unified inbound message type.
package whatsapp

import (
	"fmt"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/asistia/asistia/pkg/asistia/channels"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.status(channels.StatusConnected, "")
		w.logger.Info("whatsapp: connected", "jid", w.jid())

	case *events.Disconnected:
		wasConnected := w.connected.Swap(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		// Transient drop: retry unless the session was invalidated.
		if wasConnected && w.ctx.Err() == nil && !w.loggedOut.Load() {
			go w.attemptReconnect()
		}

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.status(channels.StatusError, "another device took over the session")
		w.logger.Error("whatsapp: stream replaced by another device")

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		// Half-open socket: looks connected but isn't. Force a reconnect.
		if evt.ErrorCount >= 3 && w.connected.Load() {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform)

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice not enabled")

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")
	}
}

// handleLoggedOut handles remote session invalidation. This is terminal:
// the credentials are gone and no reconnect is attempted.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.loggedOut.Store(true)
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	w.logger.Error("whatsapp: logged out remotely",
		"reason", reason, "on_connect", evt.OnConnect)

	w.closeMessages()
	w.status(channels.StatusDisconnected, "logged_out:"+reason)
}

// handleConnectFailure handles connect failures from the server. Permanent
// failures stop the session; transient ones go through the reconnect loop.
func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	w.logger.Error("whatsapp: connect failure",
		"reason", reason, "message", evt.Message, "permanent", permanent)

	if permanent != "" {
		w.status(channels.StatusError, fmt.Sprintf("connect failure: %s", permanent))
		return
	}
	if w.ctx.Err() == nil && !w.loggedOut.Load() {
		go w.attemptReconnect()
	}
}

// handleMessageEvt converts an incoming message event into an InboundMessage.
// Only private text chats are relevant here: group chats, status broadcasts
// and non-text payloads are reduced or skipped.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	// Status broadcasts are noise.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	w.emitMessage(&channels.InboundMessage{
		ID:        string(evt.Info.ID),
		ChatID:    evt.Info.Chat.String(),
		From:      evt.Info.Sender.String(),
		FromName:  evt.Info.PushName,
		Text:      text,
		FromSelf:  evt.Info.IsFromMe,
		Timestamp: timeOrNow(evt.Info.Timestamp),
	})
}

// extractText pulls the text content out of a message, including captions.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := msg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := msg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.DocumentMessage; doc != nil {
		if c := doc.GetCaption(); c != "" {
			return c
		}
		return fmt.Sprintf("[documento: %s]", doc.GetFileName())
	}
	return ""
}

// timeOrNow guards against zero timestamps from history syncs.
func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
