package tools

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

// budgetAPI is a scripted budget service: login issues a fixed token, one
// project exists, budget generation returns a PDF.
func budgetAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey != "clave" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})

	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer tok-1"
	}

	mux.HandleFunc("GET /projects/casa-roma/summary", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"project": "casa-roma", "budget": 1500000.0, "spent": 400000.0,
			"remaining": 1100000.0, "currency": "MXN",
			"items": []map[string]any{{"concept": "cimentación", "amount": 250000.0}},
		})
	})

	mux.HandleFunc("POST /projects/casa-roma/budgets", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "b-77"})
	})

	mux.HandleFunc("GET /budgets/b-77/pdf", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 presupuesto"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryBudget(t *testing.T) {
	srv := budgetAPI(t)
	d := NewDispatcher(nil)
	RegisterBudgetTool(d, BudgetConfig{BaseURL: srv.URL, APIKey: "clave"}, t.TempDir())

	results := d.Dispatch(turnCtx("a1"), []reasoning.ToolCall{
		toolCall("c1", "query_budget", `{"project": "casa-roma"}`),
	})
	if results[0].Err != nil {
		t.Fatalf("query_budget failed: %v", results[0].Err)
	}
	out := results[0].Content
	if !strings.Contains(out, "presupuesto 1500000.00 MXN") {
		t.Errorf("expected budget total in reply, got %q", out)
	}
	if !strings.Contains(out, "cimentación: 250000.00") {
		t.Errorf("expected line items in reply, got %q", out)
	}
}

func TestQueryBudget_UnknownProject(t *testing.T) {
	srv := budgetAPI(t)
	d := NewDispatcher(nil)
	RegisterBudgetTool(d, BudgetConfig{BaseURL: srv.URL, APIKey: "clave"}, t.TempDir())

	results := d.Dispatch(turnCtx("a1"), []reasoning.ToolCall{
		toolCall("c1", "query_budget", `{"project": "no-existe"}`),
	})
	if results[0].Err != nil {
		t.Fatalf("query_budget errored: %v", results[0].Err)
	}
	if !strings.Contains(results[0].Content, "No encontré el proyecto") {
		t.Errorf("expected friendly miss text, got %q", results[0].Content)
	}
}

func TestCreateBudget_DownloadsPDF(t *testing.T) {
	srv := budgetAPI(t)
	workDir := t.TempDir()
	d := NewDispatcher(nil)
	RegisterBudgetTool(d, BudgetConfig{BaseURL: srv.URL, APIKey: "clave"}, workDir)

	artifacts := &Artifacts{}
	ctx := ContextWithArtifacts(turnCtx("a1"), artifacts)

	results := d.Dispatch(ctx, []reasoning.ToolCall{
		toolCall("c1", "create_budget", `{"project": "casa-roma"}`),
	})
	if results[0].Err != nil {
		t.Fatalf("create_budget failed: %v", results[0].Err)
	}

	files := artifacts.Drain()
	if len(files) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(files))
	}
	if !strings.HasPrefix(files[0], workDir) {
		t.Errorf("artifact %q not under work dir %q", files[0], workDir)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("reading PDF: %v", err)
	}
	if !strings.HasPrefix(string(data), "%PDF") {
		t.Errorf("unexpected PDF contents: %q", data)
	}
}

func TestBudget_BadCredentials(t *testing.T) {
	srv := budgetAPI(t)
	d := NewDispatcher(nil)
	RegisterBudgetTool(d, BudgetConfig{BaseURL: srv.URL, APIKey: "incorrecta"}, t.TempDir())

	results := d.Dispatch(turnCtx("a1"), []reasoning.ToolCall{
		toolCall("c1", "query_budget", `{"project": "casa-roma"}`),
	})
	if results[0].Err == nil {
		t.Fatal("expected error for rejected login")
	}
}

func TestBudget_NotConfigured(t *testing.T) {
	d := NewDispatcher(nil)
	RegisterBudgetTool(d, BudgetConfig{}, t.TempDir())

	for _, name := range []string{"query_budget", "create_budget"} {
		results := d.Dispatch(turnCtx("a1"), []reasoning.ToolCall{
			toolCall("c1", name, `{"project": "x"}`),
		})
		if results[0].Err == nil {
			t.Errorf("%s: expected error when unconfigured", name)
		}
	}
}
