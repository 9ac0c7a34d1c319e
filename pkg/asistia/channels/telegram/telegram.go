// Package telegram implements the Telegram transport using the Bot API
// directly via HTTP — long polling for updates, no external dependencies.
//
// Telegram sessions do not reconnect themselves: when the polling loop gives
// up, the transport reports the error status and stops. The owning gateway
// (or the user through it) must call Connect again to resume.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/asistia/asistia/pkg/asistia/channels"
)

// maxConsecutivePollErrors is how many getUpdates failures in a row are
// tolerated before the session is declared dead.
const maxConsecutivePollErrors = 5

// Config holds Telegram transport configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// SendTyping sends a "typing..." chat action before replies.
	SendTyping bool `yaml:"send_typing"`

	// PollTimeoutSecs is the long-poll timeout passed to getUpdates.
	PollTimeoutSecs int `yaml:"poll_timeout_secs"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendTyping:      true,
		PollTimeoutSecs: 30,
	}
}

// Telegram implements channels.Transport over the Bot API.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	status channels.StatusFunc

	// baseURL is https://api.telegram.org/bot<token>.
	baseURL string

	messages  chan *channels.InboundMessage
	connected atomic.Bool

	// offset is the last processed update ID + 1.
	offset int64

	// botID is the bot's own user ID, used to filter echoes.
	botID int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Telegram transport. status may be nil.
func New(cfg Config, status channels.StatusFunc, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeoutSecs <= 0 {
		cfg.PollTimeoutSecs = 30
	}
	if status == nil {
		status = func(channels.SessionStatus, string) {}
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 90 * time.Second},
		status:   status,
		baseURL:  "https://api.telegram.org/bot" + cfg.Token,
		messages: make(chan *channels.InboundMessage, 256),
	}
}

// Kind returns "telegram".
func (t *Telegram) Kind() channels.Kind { return channels.KindTelegram }

// Connect verifies the bot token and starts the long-polling loop.
// Token verification failures are reported synchronously; everything after
// that is surfaced through the status callback.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	// A previous poll loop (or Logout) closed the stream; a resumed session
	// needs a fresh one, or the new loop would send on a closed channel.
	t.messages = make(chan *channels.InboundMessage, 256)

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.status(channels.StatusConnecting, "")

	me, err := t.getMe()
	if err != nil {
		t.status(channels.StatusError, err.Error())
		return fmt.Errorf("telegram: verifying token: %w", err)
	}
	t.botID = me.ID
	t.connected.Store(true)
	t.status(channels.StatusConnected, "")
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)

	go t.pollLoop()
	return nil
}

// Logout stops the polling loop. Telegram bots have no server-side session
// to invalidate; the token simply stops being polled.
func (t *Telegram) Logout(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.connected.CompareAndSwap(true, false) {
		close(t.messages)
		t.status(channels.StatusDisconnected, "logout")
		t.logger.Info("telegram: disconnected")
	}
	return nil
}

// Send sends a text message to the given chat.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	if !t.connected.Load() {
		return channels.ErrNotConnected
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}

	if t.cfg.SendTyping {
		_, _ = t.apiCall(ctx, "sendChatAction", map[string]any{
			"chat_id": cid,
			"action":  "typing",
		})
	}

	_, err = t.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id": cid,
		"text":    text,
	})
	return err
}

// SendDocument uploads a local file to the given chat.
func (t *Telegram) SendDocument(ctx context.Context, chatID, path, caption string) error {
	if !t.connected.Load() {
		return channels.ErrNotConnected
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("telegram: reading document: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(cid, 10))
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("telegram: creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("telegram: writing file data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sendDocument", &buf)
	if err != nil {
		return fmt.Errorf("telegram: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: upload failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decoding upload response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: sendDocument: %s", result.Description)
	}
	return nil
}

// Receive returns the inbound message stream.
func (t *Telegram) Receive() <-chan *channels.InboundMessage {
	return t.messages
}

// Connected reports whether the bot is polling.
func (t *Telegram) Connected() bool { return t.connected.Load() }

// ---------- Polling ----------

// pollLoop runs the getUpdates long-polling loop. Transient errors back off
// and retry; after maxConsecutivePollErrors failures in a row the session is
// declared dead and the loop exits without retrying — re-connecting is the
// caller's decision for Telegram sessions.
func (t *Telegram) pollLoop() {
	t.logger.Info("telegram: polling started")
	backoff := time.Second
	failures := 0

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.offset, 100, t.cfg.PollTimeoutSecs)
		if err != nil {
			failures++
			if failures >= maxConsecutivePollErrors {
				t.logger.Error("telegram: polling failed repeatedly, giving up",
					"failures", failures, "error", err)
				if t.connected.CompareAndSwap(true, false) {
					close(t.messages)
					t.status(channels.StatusError, err.Error())
				}
				return
			}
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		failures = 0

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an InboundMessage.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		return
	}

	from := ""
	fromName := ""
	fromSelf := false
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
		fromSelf = msg.From.ID == t.botID
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	incoming := &channels.InboundMessage{
		ID:        strconv.FormatInt(int64(msg.MessageID), 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		From:      from,
		FromName:  fromName,
		Text:      text,
		FromSelf:  fromSelf,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("telegram: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// ---------- Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int     `json:"date"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Bot API and unwraps the result.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (t *Telegram) getMe() (*tgBotUser, error) {
	data, err := t.apiCall(t.ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

var _ channels.Transport = (*Telegram)(nil)
