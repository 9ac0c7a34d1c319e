// Package whatsapp implements the WhatsApp transport using whatsmeow — a
// native Go WhatsApp Web API library. No Node.js bridge.
//
// Each session owns its own SQLite credential store, so several assistants
// can keep independent WhatsApp links inside one process. Pairing is done by
// QR code: the code is rendered to a PNG file and its path is reported
// through the status callback, so whatever front-end owns the session can
// show it to the user.
//
// Unlike Telegram sessions, WhatsApp sessions reconnect themselves with
// backoff when the link drops — except after a logout, which invalidates the
// credentials and is terminal for the session.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.

	"github.com/asistia/asistia/pkg/asistia/channels"
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// SessionDir is the directory holding this session's credential store
	// and QR code file. Each session needs its own.
	SessionDir string `yaml:"session_dir"`

	// DeviceName is shown in the WhatsApp "linked devices" list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the initial backoff for automatic reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		DeviceName:           "Asistia",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements channels.Transport over whatsmeow.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger
	status channels.StatusFunc

	messages chan *channels.InboundMessage

	connected atomic.Bool

	// loggedOut marks the session as terminally dead: the credentials were
	// invalidated remotely and no reconnect may be attempted.
	loggedOut atomic.Bool

	// reconnectGuard prevents concurrent reconnection loops.
	reconnectGuard    atomic.Bool
	reconnectAttempts atomic.Int32

	// messagesClosed prevents emitting on a closed channel.
	messagesClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport. status may be nil.
func New(cfg Config, status channels.StatusFunc, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Asistia"
	}
	if status == nil {
		status = func(channels.SessionStatus, string) {}
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		status:   status,
		messages: make(chan *channels.InboundMessage, 256),
	}
}

// Kind returns "whatsapp".
func (w *WhatsApp) Kind() channels.Kind { return channels.KindWhatsApp }

// QRPath returns where the pairing QR code PNG is written for this session.
func (w *WhatsApp) QRPath() string {
	return filepath.Join(w.cfg.SessionDir, "qr.png")
}

// RefreshPairing re-announces the pairing QR path through the status
// callback. No-op once the session is linked.
func (w *WhatsApp) RefreshPairing() {
	if w.connected.Load() || w.loggedOut.Load() {
		return
	}
	w.status(channels.StatusPairing, w.QRPath())
}

// Connect opens the WhatsApp Web connection. With stored credentials it
// resumes the existing session; otherwise the QR pairing flow runs in the
// background and the QR file path is reported via the status callback.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.loggedOut.Load() {
		return fmt.Errorf("whatsapp: session was logged out, a new session is required")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.status(channels.StatusConnecting, "")

	if err := os.MkdirAll(w.cfg.SessionDir, 0o755); err != nil {
		return fmt.Errorf("whatsapp: creating session dir: %w", err)
	}

	dbPath := filepath.Join(w.cfg.SessionDir, "session.db")
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.status(channels.StatusError, err.Error())
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.status(channels.StatusError, err.Error())
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		// First login — run the QR pairing flow without blocking the caller.
		w.status(channels.StatusPairing, w.QRPath())
		w.logger.Info("whatsapp: no stored session, QR pairing required",
			"qr_path", w.QRPath())
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR pairing did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.status(channels.StatusError, err.Error())
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}

	w.connected.Store(true)
	w.status(channels.StatusConnected, "")
	w.logger.Info("whatsapp: connected with stored session", "jid", w.jid())
	return nil
}

// Logout invalidates the WhatsApp credentials and closes the session.
// After Logout the transport cannot be reconnected; a fresh session must be
// created and paired again.
func (w *WhatsApp) Logout(ctx context.Context) error {
	w.loggedOut.Store(true)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}

	if w.client != nil {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.client.Logout(logoutCtx); err != nil {
			w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
			w.client.Disconnect()
			if w.client.Store != nil {
				if delErr := w.client.Store.Delete(logoutCtx); delErr != nil {
					w.logger.Warn("whatsapp: failed to delete credential store", "error", delErr)
				}
			}
		}
	}

	w.closeMessages()
	w.status(channels.StatusDisconnected, "logout")
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

// Send sends a text message to the given chat (phone number or full JID).
func (w *WhatsApp) Send(ctx context.Context, chatID, text string) error {
	if !w.connected.Load() {
		return channels.ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", chatID, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// SendDocument uploads a local file and sends it as a document message.
func (w *WhatsApp) SendDocument(ctx context.Context, chatID, path, caption string) error {
	if !w.connected.Load() {
		return channels.ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", chatID, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("whatsapp: reading document: %w", err)
	}

	uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("whatsapp: uploading document: %w", err)
	}

	msg := &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(filepath.Base(path)),
			FileName:      proto.String(filepath.Base(path)),
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeTypeFor(path)),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}

	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.InboundMessage {
	return w.messages
}

// Connected reports whether the WhatsApp link is up.
func (w *WhatsApp) Connected() bool { return w.connected.Load() }

// ---------- Internal ----------

func (w *WhatsApp) jid() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// getDevice retrieves the stored device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow. Each fresh code is rendered to the
// session's QR PNG and announced through the status callback.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.status(channels.StatusDisconnected, "cancelled")
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, w.QRPath()); err != nil {
					w.logger.Warn("whatsapp: failed to write QR file", "error", err)
					continue
				}
				w.status(channels.StatusPairing, w.QRPath())
				w.logger.Info("whatsapp: QR code ready", "qr_path", w.QRPath())

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.removeQRFile()
				w.status(channels.StatusConnected, "")
				w.logger.Info("whatsapp: paired", "jid", w.jid())
				return nil

			case "timeout":
				w.removeQRFile()
				w.status(channels.StatusError, "QR code expired")
				w.logger.Warn("whatsapp: QR code expired")
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.removeQRFile()
					w.status(channels.StatusError, evt.Error.Error())
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) removeQRFile() {
	if err := os.Remove(w.QRPath()); err != nil && !os.IsNotExist(err) {
		w.logger.Debug("whatsapp: removing QR file", "error", err)
	}
}

// attemptReconnect retries the connection with linear backoff. The guard
// keeps multiple disconnect events from racing into parallel loops. A
// logged-out session never reconnects.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil || w.loggedOut.Load() {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			w.status(channels.StatusError, "max reconnect attempts reached")
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: reconnecting", "attempt", attempts, "backoff", backoff)
		w.status(channels.StatusConnecting, fmt.Sprintf("reconnect attempt %d", attempts))

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}

		// Clear stale websocket state before dialing again.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and resets the attempt counter.
		return
	}
}

// closeMessages closes the inbound channel exactly once.
func (w *WhatsApp) closeMessages() {
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
}

// emitMessage delivers an inbound message without blocking the event handler.
func (w *WhatsApp) emitMessage(msg *channels.InboundMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("whatsapp: message buffer full, dropping message", "from", msg.From)
	}
}

// ---------- Helpers ----------

// parseJID converts a string into a WhatsApp JID. Accepts bare phone numbers
// ("5215512345678"), full JIDs ("...@s.whatsapp.net") and group IDs.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// mimeTypeFor picks a content type from the file extension.
func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".txt":
		return "text/plain"
	case ".ics":
		return "text/calendar"
	default:
		return "application/octet-stream"
	}
}

var _ channels.Transport = (*WhatsApp)(nil)
