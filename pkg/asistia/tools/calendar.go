// Package tools – calendar.go implements the calendar tools over CalDAV.
// Events are written as iCalendar objects with a PUT per event, which is all
// the protocol requires for creation.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

// CalendarConfig holds CalDAV configuration.
type CalendarConfig struct {
	// URL is the CalDAV collection URL (with trailing slash).
	URL string `yaml:"url"`

	// Username and Password are the basic-auth credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type createEventArgs struct {
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Description string `json:"description"`
}

// RegisterCalendarTool wires the create_event tool.
func RegisterCalendarTool(d *Dispatcher, cfg CalendarConfig) {
	client := &http.Client{Timeout: 30 * time.Second}

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "create_event",
			Description: "Crea un evento en el calendario del usuario. La fecha y hora deben " +
				"darse en formato RFC 3339 (por ejemplo 2026-09-01T10:00:00-06:00).",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "Título del evento"},
					"start": {"type": "string", "description": "Inicio en formato RFC 3339"},
					"end": {"type": "string", "description": "Fin en formato RFC 3339"},
					"description": {"type": "string", "description": "Descripción opcional"}
				},
				"required": ["title", "start", "end"]
			}`),
		},
	}, typed(func(ctx context.Context, args createEventArgs) (any, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("el calendario no está configurado")
		}

		title := strings.TrimSpace(args.Title)
		if title == "" {
			return nil, fmt.Errorf("title is required")
		}
		start, err := time.Parse(time.RFC3339, args.Start)
		if err != nil {
			return nil, fmt.Errorf("fecha de inicio inválida: %w", err)
		}
		end, err := time.Parse(time.RFC3339, args.End)
		if err != nil {
			return nil, fmt.Errorf("fecha de fin inválida: %w", err)
		}
		if !end.After(start) {
			return nil, fmt.Errorf("el evento debe terminar después de empezar")
		}

		eventUID := uuid.NewString()
		ics := buildICS(eventUID, title, args.Description, start, end)

		eventURL := strings.TrimRight(cfg.URL, "/") + "/" + eventUID + ".ics"
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, eventURL, strings.NewReader(ics))
		if err != nil {
			return nil, fmt.Errorf("creating caldav request: %w", err)
		}
		req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
		if cfg.Username != "" {
			req.SetBasicAuth(cfg.Username, cfg.Password)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("caldav request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent &&
			resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("caldav returned %d: %s", resp.StatusCode, string(body))
		}

		return fmt.Sprintf("Evento %q creado: %s a %s.",
			title,
			start.Format("2006-01-02 15:04"),
			end.Format("15:04")), nil
	}))
}

// buildICS renders a minimal VCALENDAR with one VEVENT.
func buildICS(uid, title, description string, start, end time.Time) string {
	const stamp = "20060102T150405Z"
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//Asistia//ES\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", uid)
	fmt.Fprintf(&b, "DTSTAMP:%s\r\n", time.Now().UTC().Format(stamp))
	fmt.Fprintf(&b, "DTSTART:%s\r\n", start.UTC().Format(stamp))
	fmt.Fprintf(&b, "DTEND:%s\r\n", end.UTC().Format(stamp))
	fmt.Fprintf(&b, "SUMMARY:%s\r\n", escapeICS(title))
	if description != "" {
		fmt.Fprintf(&b, "DESCRIPTION:%s\r\n", escapeICS(description))
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// escapeICS escapes the characters iCalendar text values reserve.
func escapeICS(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\n", "\\n",
	)
	return r.Replace(s)
}
