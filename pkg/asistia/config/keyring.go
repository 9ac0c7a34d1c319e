// Package config – keyring.go stores secrets in the operating system's
// native keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (ASISTIA_API_KEY, ASISTIA_TELEGRAM_TOKEN, ...)
//  3. config.yaml value (least secure — plaintext on disk)
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "asistia"

	// KeyAPIKey is the keyring entry for the model API key.
	KeyAPIKey = "api_key"

	// KeyTelegramToken is the keyring entry for the Telegram bot token.
	KeyTelegramToken = "telegram_token"

	// KeyGmailToken is the keyring entry for the Gmail access token.
	KeyGmailToken = "gmail_token"
)

// StoreSecret saves a secret in the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetSecret retrieves a secret from the OS keyring, empty if not found.
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring is usable.
func KeyringAvailable() bool {
	testKey := "__asistia_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills empty secret fields from the OS keyring. Environment
// overrides have already been applied by Load, so the chain ends up as
// keyring → env → config file.
func (c *Config) ResolveSecrets(logger *slog.Logger) {
	if c.Reasoning.APIKey == "" {
		if v := GetSecret(KeyAPIKey); v != "" {
			c.Reasoning.APIKey = v
			if c.Embedding.APIKey == "" {
				c.Embedding.APIKey = v
			}
			logger.Debug("config: API key loaded from OS keyring")
		}
	}
	if c.Telegram.Token == "" {
		if v := GetSecret(KeyTelegramToken); v != "" {
			c.Telegram.Token = v
			logger.Debug("config: Telegram token loaded from OS keyring")
		}
	}
	if c.Email.AccessToken == "" {
		if v := GetSecret(KeyGmailToken); v != "" {
			c.Email.AccessToken = v
			logger.Debug("config: Gmail token loaded from OS keyring")
		}
	}
}

// ReadPassword prompts for a secret without echoing it. Falls back with an
// error when stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("config: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("config: reading password: %w", err)
	}
	return string(data), nil
}
