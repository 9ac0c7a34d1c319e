// Package config loads and validates the application configuration from
// YAML, with environment overrides. A .env file next to the binary is
// loaded first so container deployments can keep secrets out of the YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/asistia/asistia/pkg/asistia/agent"
	"github.com/asistia/asistia/pkg/asistia/channels/telegram"
	"github.com/asistia/asistia/pkg/asistia/channels/whatsapp"
	"github.com/asistia/asistia/pkg/asistia/memory"
	"github.com/asistia/asistia/pkg/asistia/reasoning"
	"github.com/asistia/asistia/pkg/asistia/tools"
	"github.com/asistia/asistia/pkg/asistia/worker"
)

// Config is the full application configuration.
type Config struct {
	// Name is the instance name, used in logs.
	Name string `yaml:"name"`

	// DataDir holds the SQLite database, sessions and generated files.
	DataDir string `yaml:"data_dir"`

	Logging   LoggingConfig          `yaml:"logging"`
	Reasoning reasoning.Config       `yaml:"reasoning"`
	Embedding memory.EmbeddingConfig `yaml:"embedding"`
	Agent     agent.Config           `yaml:"agent"`
	Telegram  telegram.Config        `yaml:"telegram"`
	WhatsApp  whatsapp.Config        `yaml:"whatsapp"`
	Email     tools.EmailConfig      `yaml:"email"`
	Calendar  tools.CalendarConfig   `yaml:"calendar"`
	Budget    tools.BudgetConfig     `yaml:"budget"`
	Worker    worker.Config          `yaml:"worker"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Name:      "asistia",
		DataDir:   "./data",
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Reasoning: reasoning.DefaultConfig(),
		Embedding: memory.DefaultEmbeddingConfig(),
		Agent:     agent.DefaultConfig(),
		Telegram:  telegram.DefaultConfig(),
		WhatsApp:  whatsapp.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
	}
}

// Load reads the configuration file at path, applying defaults and
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// .env is optional; missing files are not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config: file not found: %s", path)
			}
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else {
		for _, candidate := range []string{"./config.yaml", "./config.yml"} {
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", candidate, err)
			}
			break
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	return cfg, nil
}

// applyEnv lets environment variables override file values for the secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("ASISTIA_API_KEY"); v != "" {
		c.Reasoning.APIKey = v
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("ASISTIA_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("ASISTIA_GMAIL_TOKEN"); v != "" {
		c.Email.AccessToken = v
	}
	if v := os.Getenv("ASISTIA_BUDGET_API_KEY"); v != "" {
		c.Budget.APIKey = v
	}
}

// starterYAML is the commented configuration written by `asistia setup init`.
const starterYAML = `# Configuración de Asistia.
# Los secretos pueden ir en el llavero del sistema (asistia setup api-key)
# o en variables de entorno (ASISTIA_API_KEY, ASISTIA_TELEGRAM_TOKEN, ...).

name: asistia
data_dir: ./data

logging:
  level: info
  format: json

reasoning:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini

# telegram:
#   token: ""

worker:
  enabled: false
  briefing_schedule: "0 8 * * *"
  timezone: America/Mexico_City
`

// WriteStarter writes a commented starter configuration file. It refuses to
// overwrite an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(starterYAML), 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// DatabasePath is where the main SQLite database lives.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "asistia.db")
}

// SessionsDir is the root directory for channel session state.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// WorkDir is where tools write generated files pending delivery.
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// EnsureDirs creates the directories the application writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.SessionsDir(), c.WorkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}
