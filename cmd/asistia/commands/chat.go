package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newChatCmd creates the `asistia chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Conversa con el asistente desde la terminal",
		Long: `Envía un mensaje al asistente sin pasar por ningún canal de
mensajería. Con un argumento responde una sola vez; sin argumentos entra
en modo interactivo.

Ejemplos:
  asistia chat "¿Qué tengo pendiente hoy?"
  asistia chat  # modo interactivo`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("assistant", "", "nombre del asistente (por defecto: Asistente)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
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

	turn := func(text string) error {
		reply, err := app.agent.HandleMessage(ctx, assistant, "cli", "local", text)
		if err != nil {
			return err
		}
		fmt.Println(reply.Text)
		for _, doc := range reply.Documents {
			fmt.Printf("[archivo generado: %s]\n", doc)
		}
		return nil
	}

	if len(args) > 0 {
		return turn(args[0])
	}

	// Interactive mode.
	fmt.Printf("%s — escribe tu mensaje (Ctrl+D para salir)\n", assistant.Name)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "salir" || text == "exit" {
			return nil
		}
		if err := turn(text); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}
