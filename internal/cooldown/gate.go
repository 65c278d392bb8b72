// Package cooldown suppresses outbound generation after an upstream rate
// limit, using a persisted cooldown record shared across invocations.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/danshapiro/groundpulse/internal/storage"
)

const DefaultWindow = 45 * time.Minute

type Gate struct {
	store  storage.CooldownStore
	window time.Duration
	now    func() time.Time
	logger *log.Logger
}

type Option func(*Gate)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGate(store storage.CooldownStore, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		window: DefaultWindow,
		now:    time.Now,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Window() time.Duration { return g.window }

// IsInCooldown reports whether the latest cooldown is still in effect.
// Read failures are logged and reported as not cooling.
func (g *Gate) IsInCooldown(ctx context.Context) bool {
	st, err := g.Status(ctx)
	if err != nil {
		g.logger.Printf("cooldown read failed, proceeding: %v", err)
		return false
	}
	return st.Cooling
}

// SetCooldown records a cooldown ending one window from now.
func (g *Gate) SetCooldown(ctx context.Context) (time.Time, error) {
	if g.store == nil {
		return time.Time{}, fmt.Errorf("cooldown store is not configured")
	}
	now := g.now().UTC()
	until := now.Add(g.window)
	if err := g.store.InsertCooldown(ctx, storage.CooldownRecord{CooldownUntil: until, CreatedAt: now}); err != nil {
		return time.Time{}, fmt.Errorf("set cooldown: %w", err)
	}
	g.logger.Printf("cooldown set until %s", until.Format(time.RFC3339))
	return until, nil
}

type Status struct {
	Cooling bool      `json:"cooling"`
	Until   time.Time `json:"until,omitzero"`
}

// Status returns the current cooldown state. Until is the latest recorded
// cooldown end, even if it has already passed.
func (g *Gate) Status(ctx context.Context) (Status, error) {
	if g.store == nil {
		return Status{}, fmt.Errorf("cooldown store is not configured")
	}
	rec, err := g.store.LatestCooldown(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read cooldown: %w", err)
	}
	// The cooldown ends exactly at Until.
	return Status{Cooling: g.now().Before(rec.CooldownUntil), Until: rec.CooldownUntil}, nil
}
