package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/danshapiro/groundpulse/internal/llm"
)

const (
	PrimaryCredentialLabel = "primary"
	BackupCredentialLabel  = "backup"
)

// Env is the process environment the service reads on every invocation.
type Env struct {
	GeminiAPIKey       string  `env:"GEMINI_API_KEY"`
	GeminiBackupAPIKey string  `env:"GEMINI_BACKUP_API_KEY"`
	GeminiBaseURL      string  `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com"`
	DBPath             string  `env:"GROUNDPULSE_DB_PATH" envDefault:"data/groundpulse.db"`
	PolicyPath         string  `env:"GROUNDPULSE_POLICY_PATH"`
	Addr               string  `env:"GROUNDPULSE_ADDR" envDefault:":8080"`
	InvokeRate         float64 `env:"GROUNDPULSE_INVOKE_RATE" envDefault:"0"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	if e.InvokeRate < 0 {
		return Env{}, fmt.Errorf("parse env: GROUNDPULSE_INVOKE_RATE must not be negative")
	}
	return e, nil
}

// Credentials returns the ordered credential set: primary, then backup when
// it is set and differs from the primary.
func (e Env) Credentials() ([]llm.Credential, error) {
	primary := strings.TrimSpace(e.GeminiAPIKey)
	if primary == "" {
		return nil, &llm.ConfigurationError{Message: "GEMINI_API_KEY is not set"}
	}
	creds := []llm.Credential{{Label: PrimaryCredentialLabel, APIKey: primary}}
	if backup := strings.TrimSpace(e.GeminiBackupAPIKey); backup != "" && backup != primary {
		creds = append(creds, llm.Credential{Label: BackupCredentialLabel, APIKey: backup})
	}
	return creds, nil
}

// LoadCredentials reads the credential set from the current environment.
func LoadCredentials() ([]llm.Credential, error) {
	e, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	return e.Credentials()
}
