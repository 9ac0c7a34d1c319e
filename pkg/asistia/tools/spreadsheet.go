// Package tools – spreadsheet.go implements the spreadsheet export tool.
// Tables are written as CSV, which every spreadsheet application opens.
package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

type exportSpreadsheetArgs struct {
	Title   string     `json:"title"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// RegisterSpreadsheetTool wires the export_spreadsheet tool. Generated files
// land in workDir and are handed to the turn's artifact slot for delivery.
func RegisterSpreadsheetTool(d *Dispatcher, workDir string) {
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "export_spreadsheet",
			Description: "Genera una hoja de cálculo (CSV) con los datos dados y la envía " +
				"al usuario como documento adjunto.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "Nombre del archivo, sin extensión"},
					"headers": {
						"type": "array", "items": {"type": "string"},
						"description": "Encabezados de columna"
					},
					"rows": {
						"type": "array",
						"items": {"type": "array", "items": {"type": "string"}},
						"description": "Filas de datos"
					}
				},
				"required": ["title", "headers", "rows"]
			}`),
		},
	}, typed(func(ctx context.Context, args exportSpreadsheetArgs) (any, error) {
		title := sanitizeFilename(args.Title)
		if title == "" {
			title = "export"
		}
		headers := args.Headers
		rows := args.Rows

		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating work dir: %w", err)
		}

		path := filepath.Join(workDir,
			fmt.Sprintf("%s-%s.csv", title, time.Now().Format("20060102-150405")))
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating file: %w", err)
		}
		defer f.Close()

		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			return nil, fmt.Errorf("writing headers: %w", err)
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("writing row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("flushing csv: %w", err)
		}

		if artifacts := ArtifactsFromContext(ctx); artifacts != nil {
			artifacts.Add(path)
		}

		return fmt.Sprintf("Hoja de cálculo generada: %s (%d filas). Se enviará como documento.",
			filepath.Base(path), len(rows)), nil
	}))
}

// sanitizeFilename strips path separators and other unsafe characters.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
}
