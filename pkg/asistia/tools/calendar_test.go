package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

func TestCreateEvent(t *testing.T) {
	var gotBody string
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, ".ics") {
			t.Errorf("expected .ics resource, got %q", r.URL.Path)
		}
		_, _, gotAuth = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := NewDispatcher(nil)
	RegisterCalendarTool(d, CalendarConfig{URL: srv.URL, Username: "angel", Password: "secreto"})

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("c1", "create_event", `{
			"title": "Visita de obra",
			"start": "2026-09-01T10:00:00-06:00",
			"end": "2026-09-01T11:00:00-06:00",
			"description": "Revisar avance; llevar planos"
		}`),
	})
	if results[0].Err != nil {
		t.Fatalf("create_event failed: %v", results[0].Err)
	}
	if !gotAuth {
		t.Error("basic auth not sent")
	}
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"SUMMARY:Visita de obra",
		"DTSTART:20260901T160000Z",
		"DTEND:20260901T170000Z",
		"DESCRIPTION:Revisar avance\\; llevar planos",
	} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("ics body missing %q:\n%s", want, gotBody)
		}
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	d := NewDispatcher(nil)
	RegisterCalendarTool(d, CalendarConfig{URL: "http://caldav.local/cal/"})

	tests := []struct {
		name string
		args string
	}{
		{"missing title", `{"title": "", "start": "2026-09-01T10:00:00Z", "end": "2026-09-01T11:00:00Z"}`},
		{"bad start", `{"title": "x", "start": "mañana", "end": "2026-09-01T11:00:00Z"}`},
		{"end before start", `{"title": "x", "start": "2026-09-01T11:00:00Z", "end": "2026-09-01T10:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := d.Dispatch(context.Background(), []reasoning.ToolCall{
				toolCall("c1", "create_event", tt.args),
			})
			if results[0].Err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateEvent_NotConfigured(t *testing.T) {
	d := NewDispatcher(nil)
	RegisterCalendarTool(d, CalendarConfig{})

	results := d.Dispatch(context.Background(), []reasoning.ToolCall{
		toolCall("c1", "create_event", `{"title": "x", "start": "2026-09-01T10:00:00Z", "end": "2026-09-01T11:00:00Z"}`),
	})
	if results[0].Err == nil {
		t.Error("expected error when calendar is not configured")
	}
}

func TestBuildICS_EscapesText(t *testing.T) {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ics := buildICS("uid-1", "a;b,c\\d", "línea1\nlínea2", start, start.Add(time.Hour))

	if !strings.Contains(ics, `SUMMARY:a\;b\,c\\d`) {
		t.Errorf("summary not escaped:\n%s", ics)
	}
	if !strings.Contains(ics, `DESCRIPTION:línea1\nlínea2`) {
		t.Errorf("description newline not escaped:\n%s", ics)
	}
}
