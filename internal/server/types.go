package server

import (
	"time"

	"github.com/danshapiro/groundpulse/internal/storage"
)

// ErrorResponse is the body of every non-invocation error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	InFlight int    `json:"in_flight"`
}

// CooldownResponse is returned by GET /cooldown.
type CooldownResponse struct {
	Cooling bool       `json:"cooling"`
	Until   *time.Time `json:"until,omitempty"`
}

// ResponseEntry is one row of GET /responses.
type ResponseEntry struct {
	InvocationID    string    `json:"invocation_id"`
	Prompt          string    `json:"prompt"`
	PromptHash      string    `json:"prompt_hash"`
	Response        string    `json:"response"`
	ModelUsed       string    `json:"model_used,omitempty"`
	CredentialLabel string    `json:"credential_label,omitempty"`
	Succeeded       bool      `json:"succeeded"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
}

func responseEntry(rec storage.ResponseLogRecord) ResponseEntry {
	return ResponseEntry{
		InvocationID:    rec.InvocationID,
		Prompt:          rec.Prompt,
		PromptHash:      rec.PromptHash,
		Response:        rec.Response,
		ModelUsed:       rec.ModelUsed,
		CredentialLabel: rec.CredentialLabel,
		Succeeded:       rec.Succeeded,
		Attempts:        rec.Attempts,
		CreatedAt:       rec.CreatedAt,
	}
}
