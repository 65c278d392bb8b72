// Package storage defines the persisted records and the narrow store
// interfaces the heartbeat, cooldown gate and pruner depend on.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ResponseLogRecord is one invocation's prompt and answer (or failure).
type ResponseLogRecord struct {
	ID                int64
	InvocationID      string
	Prompt            string
	PromptHash        string
	Response          string
	GroundingMetadata string
	ModelUsed         string
	CredentialLabel   string
	Succeeded         bool
	Attempts          int
	CreatedAt         time.Time
}

// HealthCheckRecord is the per-invocation success flag.
type HealthCheckRecord struct {
	ID           int64
	InvocationID string
	IsSuccessful bool
	CreatedAt    time.Time
}

// CooldownRecord suppresses outbound calls until CooldownUntil. Rows are
// append-only; the one with the greatest CooldownUntil wins.
type CooldownRecord struct {
	ID            int64
	CooldownUntil time.Time
	CreatedAt     time.Time
}

type ResponseLogStore interface {
	RecordResponse(ctx context.Context, rec ResponseLogRecord) error
	ListResponses(ctx context.Context, limit int) ([]ResponseLogRecord, error)
}

type HealthCheckStore interface {
	RecordHealthCheck(ctx context.Context, rec HealthCheckRecord) error
	DeleteHealthChecksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type CooldownStore interface {
	InsertCooldown(ctx context.Context, rec CooldownRecord) error
	// LatestCooldown returns ErrNotFound when no cooldown was ever recorded.
	LatestCooldown(ctx context.Context) (CooldownRecord, error)
}
