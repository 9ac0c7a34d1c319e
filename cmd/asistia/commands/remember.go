package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newRememberCmd creates the `asistia remember` command to store facts.
func newRememberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remember <fact>",
		Short: "Guarda un hecho en la memoria de largo plazo",
		Long: `Guarda un hecho que el asistente debe recordar en conversaciones
futuras. Útil para preferencias, contexto personal e información recurrente.

Ejemplos:
  asistia remember "Prefiero respuestas cortas"
  asistia remember --category work "Mi daily es a las 9am"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRemember,
	}

	cmd.Flags().String("category", "general", "categoría (personal, work, preferences, contacts, general)")
	cmd.Flags().Int("importance", 5, "importancia del 1 al 10")
	cmd.Flags().String("assistant", "", "nombre del asistente (por defecto: Asistente)")
	return cmd
}

func runRemember(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	ctx := cmd.Context()
	assistantName, _ := cmd.Flags().GetString("assistant")
	assistant, err := app.store.FindOrCreateAssistant(ctx, localUser(), assistantName)
	if err != nil {
		return err
	}

	category, _ := cmd.Flags().GetString("category")
	importance, _ := cmd.Flags().GetInt("importance")
	fact := strings.Join(args, " ")

	mem, err := app.mem.Remember(ctx, assistant.ID, category, fact, importance)
	if err != nil {
		return fmt.Errorf("storing fact: %w", err)
	}

	fmt.Printf("Hecho memorizado [%s, importancia %d]: %q\n", mem.Category, mem.Importance, mem.Content)
	return nil
}
