// Package tools – tasks.go registers the task and project tracking tools
// backed by the relational store.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/store"
)

type createTaskArgs struct {
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	DueDate  string `json:"due_date"`
}

type completeTaskArgs struct {
	Title string `json:"title"`
}

type trackProjectArgs struct {
	Name string `json:"name"`
}

// RegisterTaskTools wires task and project tracking into the dispatcher.
func RegisterTaskTools(d *Dispatcher, st *store.Store) {
	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "create_task",
			Description: "Crea una tarea pendiente para el usuario. Usar cuando el usuario " +
				"pide recordar algo que debe hacer.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "Qué hay que hacer"},
					"priority": {
						"type": "integer", "minimum": 1, "maximum": 5,
						"description": "Urgencia del 1 al 5"
					},
					"due_date": {
						"type": "string",
						"description": "Fecha límite en formato YYYY-MM-DD, si hay"
					}
				},
				"required": ["title"]
			}`),
		},
	}, typed(func(ctx context.Context, args createTaskArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		title := strings.TrimSpace(args.Title)
		if title == "" {
			return nil, fmt.Errorf("title is required")
		}

		var dueAt *time.Time
		if args.DueDate != "" {
			parsed, err := time.Parse("2006-01-02", args.DueDate)
			if err != nil {
				return nil, fmt.Errorf("fecha inválida %q, usa YYYY-MM-DD", args.DueDate)
			}
			dueAt = &parsed
		}

		priority := args.Priority
		if priority == 0 {
			priority = 3
		}
		t, err := st.CreateTask(ctx, turn.AssistantID, title, priority, dueAt)
		if err != nil {
			return nil, err
		}
		if t.DueAt != nil {
			return fmt.Sprintf("Tarea creada (prioridad %d, vence %s): %s",
				t.Priority, t.DueAt.Format("2006-01-02"), t.Title), nil
		}
		return fmt.Sprintf("Tarea creada (prioridad %d): %s", t.Priority, t.Title), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "complete_task",
			Description: "Marca como hecha una tarea pendiente del usuario, buscándola " +
				"por su título o parte de él.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "Título (o parte) de la tarea hecha"}
				},
				"required": ["title"]
			}`),
		},
	}, typed(func(ctx context.Context, args completeTaskArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		title := strings.TrimSpace(args.Title)
		if title == "" {
			return nil, fmt.Errorf("title is required")
		}
		t, err := st.CompleteTask(ctx, turn.AssistantID, title)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("No encontré una tarea pendiente que coincida con %q.", title), nil
		}
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Tarea completada: %s", t.Title), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name:        "list_tasks",
			Description: "Lista las tareas pendientes del usuario, de más a menos urgente.",
			Parameters: schema(`{
				"type": "object",
				"properties": {}
			}`),
		},
	}, typed(func(ctx context.Context, _ struct{}) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		pending, err := st.PendingTasks(ctx, turn.AssistantID, 20)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return "No hay tareas pendientes.", nil
		}
		var b strings.Builder
		for _, t := range pending {
			fmt.Fprintf(&b, "- [P%d] %s", t.Priority, t.Title)
			if t.DueAt != nil {
				fmt.Fprintf(&b, " (vence %s)", t.DueAt.Format("2006-01-02"))
			}
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}))

	d.Register(reasoning.ToolDefinition{
		Function: reasoning.FunctionDef{
			Name: "track_project",
			Description: "Registra un proyecto activo del usuario para darle seguimiento " +
				"en futuras conversaciones.",
			Parameters: schema(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Nombre del proyecto"}
				},
				"required": ["name"]
			}`),
		},
	}, typed(func(ctx context.Context, args trackProjectArgs) (any, error) {
		turn := TurnFromContext(ctx)
		if turn.AssistantID == "" {
			return nil, fmt.Errorf("no assistant in context")
		}
		name := strings.TrimSpace(args.Name)
		if name == "" {
			return nil, fmt.Errorf("name is required")
		}
		p, err := st.CreateProject(ctx, turn.AssistantID, name)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Proyecto en seguimiento: %s", p.Name), nil
	}))
}
