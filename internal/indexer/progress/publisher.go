package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// KeyPrefix namespaces build progress hashes.
const KeyPrefix = "bm25:build:"

// HashStore is the slice of a Redis client the publisher writes through.
type HashStore interface {
	HSetWithTTL(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
}

// Publisher periodically writes a tracker's snapshot to a hash at
// KeyPrefix+id so other processes can watch a build.
type Publisher struct {
	store    HashStore
	tracker  *Tracker
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

func NewPublisher(store HashStore, tracker *Tracker, interval, ttl time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{
		store:    store,
		tracker:  tracker,
		interval: interval,
		ttl:      ttl,
		logger:   slog.Default().With("component", "progress-publisher", "build", tracker.ID()),
	}
}

// Key returns the hash key for a build id.
func Key(id string) string { return KeyPrefix + id }

// Fields renders a snapshot as hash fields.
func Fields(s Snapshot) map[string]any {
	return map[string]any{
		"phase":      s.Phase.String(),
		"done":       s.Done,
		"total":      s.Total,
		"percent":    strconv.FormatFloat(s.Fraction()*100, 'f', 1, 64),
		"elapsed_ms": s.Elapsed.Milliseconds(),
		"summary":    fmt.Sprintf("%s of %s tuples", humanize.Comma(s.Done), humanize.Comma(s.Total)),
	}
}

// Publish writes the current snapshot once.
func (p *Publisher) Publish(ctx context.Context) error {
	s := p.tracker.Snapshot()
	if err := p.store.HSetWithTTL(ctx, Key(p.tracker.ID()), Fields(s), p.ttl); err != nil {
		return fmt.Errorf("publishing progress: %w", err)
	}
	return nil
}

// Run publishes on every tick until ctx is cancelled, then writes a final
// snapshot. Publish failures are logged and do not stop the loop.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.Publish(final); err != nil {
				p.logger.Warn("final progress publish failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("progress publish failed", "error", err)
			}
		}
	}
}
