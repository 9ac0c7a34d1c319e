package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asistia/asistia/pkg/asistia/config"
)

// secretEntries maps the names accepted on the command line to keyring keys.
var secretEntries = map[string]string{
	"api-key":        config.KeyAPIKey,
	"telegram-token": config.KeyTelegramToken,
	"gmail-token":    config.KeyGmailToken,
}

// newSetupCmd creates the `asistia setup` command for managing secrets.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup <init|api-key|telegram-token|gmail-token>",
		Short: "Crea la configuración inicial y guarda credenciales",
		Long: `Con "init" escribe un config.yaml inicial comentado. Con el nombre de
un secreto, lo guarda en el llavero nativo del sistema operativo para
no tenerlo en texto plano en config.yaml; el secreto se pide por
terminal sin eco.

Ejemplos:
  asistia setup init
  asistia setup api-key
  asistia setup telegram-token
  asistia setup gmail-token --delete`,
		Args: cobra.ExactArgs(1),
		RunE: runSetup,
	}

	cmd.Flags().Bool("delete", false, "elimina el secreto del llavero")
	return cmd
}

func runSetup(cmd *cobra.Command, args []string) error {
	if args[0] == "init" {
		if err := config.WriteStarter("config.yaml"); err != nil {
			return err
		}
		fmt.Println("config.yaml creado. Edítalo y luego guarda tus credenciales con `asistia setup api-key`.")
		return nil
	}

	key, ok := secretEntries[args[0]]
	if !ok {
		return fmt.Errorf("unknown secret %q (use init, api-key, telegram-token or gmail-token)", args[0])
	}

	if del, _ := cmd.Flags().GetBool("delete"); del {
		if err := config.DeleteSecret(key); err != nil {
			return fmt.Errorf("deleting secret: %w", err)
		}
		fmt.Printf("Secreto %q eliminado del llavero.\n", args[0])
		return nil
	}

	if !config.KeyringAvailable() {
		return fmt.Errorf("el llavero del sistema no está disponible; usa variables de entorno (ASISTIA_API_KEY, ...)")
	}

	value, err := config.ReadPassword(fmt.Sprintf("Valor para %s: ", args[0]))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty secret")
	}

	if err := config.StoreSecret(key, value); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	fmt.Printf("Secreto %q guardado en el llavero del sistema.\n", args[0])
	return nil
}
