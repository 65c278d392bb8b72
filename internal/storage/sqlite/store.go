// Package sqlite provides the SQLite-backed heartbeat storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/groundpulse/internal/storage"
	"github.com/danshapiro/groundpulse/internal/storage/sqlite/migrations"
	"github.com/danshapiro/groundpulse/internal/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

var (
	_ storage.ResponseLogStore = (*Store)(nil)
	_ storage.HealthCheckStore = (*Store)(nil)
	_ storage.CooldownStore    = (*Store)(nil)
)

// Store persists response logs, health checks and cooldowns in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// RecordResponse inserts one response log row.
func (s *Store) RecordResponse(ctx context.Context, rec storage.ResponseLogRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(rec.InvocationID) == "" {
		return fmt.Errorf("invocation id is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO response_log (
		   invocation_id,
		   prompt,
		   prompt_hash,
		   response,
		   grounding_metadata,
		   model_used,
		   credential_label,
		   succeeded,
		   attempts,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InvocationID,
		rec.Prompt,
		rec.PromptHash,
		rec.Response,
		rec.GroundingMetadata,
		rec.ModelUsed,
		rec.CredentialLabel,
		boolToInt(rec.Succeeded),
		rec.Attempts,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	return nil
}

// ListResponses returns the most recent response rows, newest first.
func (s *Store) ListResponses(ctx context.Context, limit int) ([]storage.ResponseLogRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, invocation_id, prompt, prompt_hash, response, grounding_metadata,
		        model_used, credential_label, succeeded, attempts, created_at
		 FROM response_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []storage.ResponseLogRecord
	for rows.Next() {
		var (
			rec       storage.ResponseLogRecord
			succeeded int
			createdAt int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.InvocationID,
			&rec.Prompt,
			&rec.PromptHash,
			&rec.Response,
			&rec.GroundingMetadata,
			&rec.ModelUsed,
			&rec.CredentialLabel,
			&succeeded,
			&rec.Attempts,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		rec.Succeeded = succeeded != 0
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

// RecordHealthCheck inserts one health check row.
func (s *Store) RecordHealthCheck(ctx context.Context, rec storage.HealthCheckRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(rec.InvocationID) == "" {
		return fmt.Errorf("invocation id is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO health_checks (invocation_id, is_successful, created_at) VALUES (?, ?, ?)`,
		rec.InvocationID,
		boolToInt(rec.IsSuccessful),
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("record health check: %w", err)
	}
	return nil
}

// DeleteHealthChecksBefore removes health checks created strictly before cutoff.
func (s *Store) DeleteHealthChecksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM health_checks WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete health checks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete health checks rows affected: %w", err)
	}
	return n, nil
}

// InsertCooldown appends one cooldown row.
func (s *Store) InsertCooldown(ctx context.Context, rec storage.CooldownRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if rec.CooldownUntil.IsZero() {
		return fmt.Errorf("cooldown until is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO cooldowns (cooldown_until, created_at) VALUES (?, ?)`,
		toMillis(rec.CooldownUntil),
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert cooldown: %w", err)
	}
	return nil
}

// LatestCooldown returns the row with the greatest cooldown_until.
func (s *Store) LatestCooldown(ctx context.Context) (storage.CooldownRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CooldownRecord{}, err
	}
	var (
		rec       storage.CooldownRecord
		until     int64
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, cooldown_until, created_at FROM cooldowns ORDER BY cooldown_until DESC, id DESC LIMIT 1`,
	).Scan(&rec.ID, &until, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CooldownRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CooldownRecord{}, fmt.Errorf("latest cooldown: %w", err)
	}
	rec.CooldownUntil = fromMillis(until)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
