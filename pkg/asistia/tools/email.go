// Package tools – email.go implements the send_email tool over the Gmail
// REST API. The message is assembled as RFC 2822 text, base64url-encoded,
// and posted to the users.messages.send endpoint with a bearer token.
package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

// EmailConfig holds Gmail sending configuration.
type EmailConfig struct {
	// AccessToken is the OAuth bearer token for the Gmail API.
	AccessToken string `yaml:"access_token"`

	// From is the sender address shown on outgoing mail.
	From string `yaml:"from"`

	// Endpoint overrides the Gmail API base URL (tests).
	Endpoint string `yaml:"endpoint"`
}

const gmailSendEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

type sendEmailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RegisterEmailTool wires the send_email tool. Without an access token the
// tool reports itself as not configured instead of failing at startup.
func RegisterEmailTool(d *Dispatcher, cfg EmailConfig) {
	client := &http.Client{Timeout: 30 * time.Second}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = gmailSendEndpoint
	}

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name:        "send_email",
			Description: "Envía un correo electrónico en nombre del usuario.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "Dirección del destinatario"},
					"subject": {"type": "string", "description": "Asunto"},
					"body": {"type": "string", "description": "Cuerpo del mensaje en texto plano"}
				},
				"required": ["to", "subject", "body"]
			}`),
		},
	}, typed(func(ctx context.Context, args sendEmailArgs) (any, error) {
		if cfg.AccessToken == "" {
			return nil, fmt.Errorf("el envío de correo no está configurado")
		}

		to := strings.TrimSpace(args.To)
		if _, err := mail.ParseAddress(to); err != nil {
			return nil, fmt.Errorf("dirección inválida %q: %w", to, err)
		}
		subject := args.Subject
		body := args.Body

		raw := buildRawMessage(cfg.From, to, subject, body)
		payload, err := json.Marshal(map[string]string{"raw": raw})
		if err != nil {
			return nil, fmt.Errorf("marshal send request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("creating send request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gmail request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, fmt.Errorf("gmail API returned %d: %s", resp.StatusCode, string(respBody))
		}

		return fmt.Sprintf("Correo enviado a %s con asunto %q.", to, subject), nil
	}))
}

// buildRawMessage assembles an RFC 2822 message and base64url-encodes it the
// way the Gmail API expects.
func buildRawMessage(from, to, subject, body string) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(b.String()))
}
