// Package tools – memory_tools.go registers the memory-facing tools:
// storing facts, searching them, and learning preferences.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
)

type rememberFactArgs struct {
	Category   string `json:"category"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

type searchMemoryArgs struct {
	Query string `json:"query"`
}

type learnPreferenceArgs struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// RegisterMemoryTools wires the memory store into the dispatcher. The
// assistant scope comes from the turn context, so one dispatcher serves
// every session.
func RegisterMemoryTools(d *Dispatcher, mem *memory.Store) {
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "remember_fact",
			Description: "Guarda un dato importante sobre el usuario en la memoria a largo plazo. " +
				"Usar cuando el usuario comparte información personal, de trabajo o de contactos.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"category": {
						"type": "string",
						"enum": ["personal", "work", "preferences", "contacts", "general"],
						"description": "Categoría del dato"
					},
					"content": {"type": "string", "description": "El dato a recordar"},
					"importance": {
						"type": "integer", "minimum": 1, "maximum": 10,
						"description": "Importancia del 1 al 10"
					}
				},
				"required": ["category", "content", "importance"]
			}`),
		},
	}, typed(func(ctx context.Context, args rememberFactArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		content := strings.TrimSpace(args.Content)
		if content == "" {
			return nil, fmt.Errorf("content is required")
		}
		importance := args.Importance
		if importance == 0 {
			importance = 5
		}
		m, err := mem.Remember(ctx, turn.AssistantID, args.Category, content, importance)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Guardado en memoria (%s, importancia %d): %s",
			m.Category, m.Importance, m.Content), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "search_memory",
			Description: "Busca en la memoria a largo plazo datos relacionados con una consulta. " +
				"Usar cuando el usuario pregunta por algo que pudo haber mencionado antes.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Qué buscar"}
				},
				"required": ["query"]
			}`),
		},
	}, typed(func(ctx context.Context, args searchMemoryArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		query := strings.TrimSpace(args.Query)
		if query == "" {
			return nil, fmt.Errorf("query is required")
		}
		results, err := mem.Search(ctx, turn.AssistantID, query, 5)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return "No encontré nada relacionado en la memoria.", nil
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Memory.Category, r.Memory.Content)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "learn_preference",
			Description: "Registra una preferencia observada del usuario como clave y valor " +
				"(por ejemplo, clave \"horario_reuniones\", valor \"por la mañana\"). " +
				"Repetir la misma clave la confirma y actualiza su valor.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"category": {
						"type": "string",
						"enum": ["personal", "work", "preferences", "contacts", "general"],
						"description": "Categoría de la preferencia"
					},
					"key": {"type": "string", "description": "Clave corta y estable de la preferencia"},
					"value": {"type": "string", "description": "Valor observado"}
				},
				"required": ["key", "value"]
			}`),
		},
	}, typed(func(ctx context.Context, args learnPreferenceArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		key := strings.TrimSpace(args.Key)
		if key == "" {
			return nil, fmt.Errorf("key is required")
		}
		value := strings.TrimSpace(args.Value)
		if value == "" {
			return nil, fmt.Errorf("value is required")
		}
		p, err := mem.LearnPreference(ctx, turn.AssistantID, args.Category, key, value)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Preferencia registrada (%s, confianza %.1f): %s = %s",
			p.Category, p.Confidence, p.Key, p.Value), nil
	}))
}
