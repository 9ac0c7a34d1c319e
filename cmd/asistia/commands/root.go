// Package commands implements the Asistia CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asistia",
		Short: "Asistia - asistente personal por mensajería",
		Long: `Asistia es un asistente personal que conversa por WhatsApp y Telegram.
Cada usuario puede tener varios asistentes, cada uno con su propia memoria,
personalidad y sesiones de canal.

Ejemplos:
  asistia serve --user angel --channel telegram
  asistia chat "¿Qué tengo pendiente?"
  asistia remember "Mi obra principal es Torre Norte"`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newRememberCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "ruta del archivo de configuración")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detallados")

	return rootCmd
}
