package whatsapp

import (
	"testing"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare number", "5215512345678", "5215512345678@s.whatsapp.net", false},
		{"formatted number", "+52 1 55 1234-5678", "5215512345678@s.whatsapp.net", false},
		{"full jid", "5215512345678@s.whatsapp.net", "5215512345678@s.whatsapp.net", false},
		{"group jid", "123456-7890@g.us", "123456-7890@g.us", false},
		{"too short", "12345", "", true},
		{"empty", "", "", true},
		{"spaces only", "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseJID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseJID(%q): expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJID(%q) failed: %v", tt.in, err)
			}
			if jid.String() != tt.want {
				t.Errorf("parseJID(%q): expected %q, got %q", tt.in, tt.want, jid.String())
			}
		})
	}
}

func TestParseJID_Server(t *testing.T) {
	jid, err := parseJID("5215512345678")
	if err != nil {
		t.Fatalf("parseJID failed: %v", err)
	}
	if jid.Server != types.DefaultUserServer {
		t.Errorf("expected user server, got %q", jid.Server)
	}
}

func TestMimeTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/tmp/reporte.csv", "text/csv"},
		{"/tmp/contrato.PDF", "application/pdf"},
		{"/tmp/datos.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"/tmp/notas.txt", "text/plain"},
		{"/tmp/evento.ics", "text/calendar"},
		{"/tmp/cosa.bin", "application/octet-stream"},
		{"/tmp/sin-extension", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mimeTypeFor(tt.path); got != tt.want {
			t.Errorf("mimeTypeFor(%q): expected %q, got %q", tt.path, tt.want, got)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{
			"conversation",
			&waE2E.Message{Conversation: proto.String("hola")},
			"hola",
		},
		{
			"extended text",
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("con link"),
			}},
			"con link",
		},
		{
			"image caption",
			&waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Caption: proto.String("mira esto"),
			}},
			"mira esto",
		},
		{
			"document with caption",
			&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
				Caption:  proto.String("el contrato"),
				FileName: proto.String("contrato.pdf"),
			}},
			"el contrato",
		},
		{
			"document without caption",
			&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
				FileName: proto.String("contrato.pdf"),
			}},
			"[documento: contrato.pdf]",
		},
		{"empty", &waE2E.Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.msg); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTimeOrNow(t *testing.T) {
	known := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if got := timeOrNow(known); !got.Equal(known) {
		t.Errorf("non-zero timestamp changed: %v", got)
	}
	if got := timeOrNow(time.Time{}); got.IsZero() {
		t.Error("zero timestamp not replaced")
	}
}

func TestQRPath(t *testing.T) {
	w := New(Config{SessionDir: "/data/sessions/wa/angel"}, nil, nil)
	if got := w.QRPath(); got != "/data/sessions/wa/angel/qr.png" {
		t.Errorf("unexpected QR path %q", got)
	}
}
