// Package tools – budget.go implements the budget tools against an
// external construction-budget HTTP API: a read-only summary lookup and a
// generate-and-download flow that delivers the budget as a PDF document.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

// BudgetConfig holds the budget service configuration.
type BudgetConfig struct {
	// BaseURL is the budget API base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the budget API's login endpoint.
	APIKey string `yaml:"api_key"`
}

// budgetSummary mirrors the budget API's project summary payload.
type budgetSummary struct {
	Project   string  `json:"project"`
	Budget    float64 `json:"budget"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
	Currency  string  `json:"currency"`
	Items     []struct {
		Concept string  `json:"concept"`
		Amount  float64 `json:"amount"`
	} `json:"items"`
}

type budgetArgs struct {
	Project string `json:"project"`
}

// budgetClient wraps the budget API. The login token is re-acquired per
// call; the API's tokens are short-lived.
type budgetClient struct {
	cfg  BudgetConfig
	http *http.Client
}

// login exchanges the API key for a session token.
func (c *budgetClient) login(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"api_key": c.cfg.APIKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("budget login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("budget login returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parsing login response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("budget login returned no token")
	}
	return out.Token, nil
}

func (c *budgetClient) get(ctx context.Context, token, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req)
}

// RegisterBudgetTool wires the budget tools. Generated PDFs land in workDir
// and are handed to the turn's artifact slot for delivery.
func RegisterBudgetTool(d *Dispatcher, cfg BudgetConfig, workDir string) {
	client := &budgetClient{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name:        "query_budget",
			Description: "Consulta el presupuesto de una obra o proyecto: total, gastado y restante.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"project": {"type": "string", "description": "Nombre o clave del proyecto"}
				},
				"required": ["project"]
			}`),
		},
	}, typed(func(ctx context.Context, args budgetArgs) (any, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("la consulta de presupuestos no está configurada")
		}

		project := strings.TrimSpace(args.Project)
		if project == "" {
			return nil, fmt.Errorf("project is required")
		}

		token, err := client.login(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.get(ctx, token, "/projects/"+url.PathEscape(project)+"/summary")
		if err != nil {
			return nil, fmt.Errorf("budget request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Sprintf("No encontré el proyecto %q.", project), nil
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("budget API returned %d: %s", resp.StatusCode, string(body))
		}

		var summary budgetSummary
		if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
			return nil, fmt.Errorf("parsing budget response: %w", err)
		}

		currency := summary.Currency
		if currency == "" {
			currency = "MXN"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Proyecto %s: presupuesto %.2f %s, gastado %.2f, restante %.2f.",
			summary.Project, summary.Budget, currency, summary.Spent, summary.Remaining)
		for _, item := range summary.Items {
			fmt.Fprintf(&b, "\n- %s: %.2f", item.Concept, item.Amount)
		}
		return b.String(), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "create_budget",
			Description: "Genera el presupuesto de un proyecto en el sistema de obra y envía " +
				"el PDF resultante al usuario como documento.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"project": {"type": "string", "description": "Nombre o clave del proyecto"}
				},
				"required": ["project"]
			}`),
		},
	}, typed(func(ctx context.Context, args budgetArgs) (any, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("la generación de presupuestos no está configurada")
		}

		project := strings.TrimSpace(args.Project)
		if project == "" {
			return nil, fmt.Errorf("project is required")
		}

		token, err := client.login(ctx)
		if err != nil {
			return nil, err
		}

		// Generate the budget server-side, then fetch the rendered PDF.
		genReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(cfg.BaseURL, "/")+"/projects/"+url.PathEscape(project)+"/budgets", nil)
		if err != nil {
			return nil, fmt.Errorf("creating generate request: %w", err)
		}
		genReq.Header.Set("Authorization", "Bearer "+token)

		genResp, err := client.http.Do(genReq)
		if err != nil {
			return nil, fmt.Errorf("budget generation failed: %w", err)
		}
		defer genResp.Body.Close()

		if genResp.StatusCode == http.StatusNotFound {
			return fmt.Sprintf("No encontré el proyecto %q.", project), nil
		}
		if genResp.StatusCode != http.StatusOK && genResp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(genResp.Body, 1024))
			return nil, fmt.Errorf("budget API returned %d: %s", genResp.StatusCode, string(body))
		}

		var gen struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(genResp.Body).Decode(&gen); err != nil {
			return nil, fmt.Errorf("parsing generation response: %w", err)
		}
		if gen.ID == "" {
			return nil, fmt.Errorf("budget API returned no budget id")
		}

		pdfResp, err := client.get(ctx, token, "/budgets/"+url.PathEscape(gen.ID)+"/pdf")
		if err != nil {
			return nil, fmt.Errorf("downloading budget PDF: %w", err)
		}
		defer pdfResp.Body.Close()
		if pdfResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("budget PDF download returned %d", pdfResp.StatusCode)
		}

		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating work dir: %w", err)
		}
		name := sanitizeFilename(project)
		if name == "" {
			name = "presupuesto"
		}
		path := filepath.Join(workDir,
			fmt.Sprintf("presupuesto-%s-%s.pdf", name, time.Now().Format("20060102-150405")))
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating file: %w", err)
		}
		if _, err := io.Copy(f, pdfResp.Body); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing PDF: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("closing PDF: %w", err)
		}

		if artifacts := ArtifactsFromContext(ctx); artifacts != nil {
			artifacts.Add(path)
		}

		return fmt.Sprintf("Presupuesto generado: %s. Se enviará como documento.",
			filepath.Base(path)), nil
	}))
}
