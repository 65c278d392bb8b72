package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/danshapiro/groundpulse/internal/storage"
)

const DefaultHealthRetention = 7 * 24 * time.Hour

// Pruner deletes health-check rows older than the retention window.
type Pruner struct {
	store     storage.HealthCheckStore
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewPruner(store storage.HealthCheckStore, retention time.Duration, logger *log.Logger) *Pruner {
	if retention <= 0 {
		retention = DefaultHealthRetention
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pruner{store: store, retention: retention, logger: logger, now: time.Now}
}

func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.store == nil {
		return 0, fmt.Errorf("health check store is not configured")
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteHealthChecksBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune health checks: %w", err)
	}
	if n > 0 {
		p.logger.Printf("pruned %d health checks older than %s", n, cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// Run prunes every interval until ctx is done. Prune failures are logged and
// do not stop the loop.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
				p.logger.Printf("%v", err)
			}
		}
	}
}
