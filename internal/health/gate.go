// Package health implements the gate a slot must pass before promotion.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
)

// Gate polls a liveness endpoint with a fixed interval and attempt budget.
type Gate struct {
	client   *http.Client
	interval time.Duration
	attempts int
	log      *slog.Logger
}

// New constructs a Gate.
func New(interval time.Duration, attempts int, log *slog.Logger) *Gate {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if attempts <= 0 {
		attempts = 30
	}
	return &Gate{
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		attempts: attempts,
		log:      log,
	}
}

// Wait polls url until it answers with a 2xx status or the attempt budget is
// spent. The loop suspends between attempts and honors context cancellation.
// Exhausting the budget returns ErrHealthCheckTimeout.
func (g *Gate) Wait(ctx context.Context, url string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 1; attempt <= g.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if g.probe(ctx, url) {
			g.log.Debug("health check passed", "url", url, "attempt", attempt)
			return nil
		}
		timer.Reset(g.interval)
	}
	g.log.Warn("health check budget exhausted", "url", url, "attempts", g.attempts)
	return fmt.Errorf("%s after %d attempts: %w", url, g.attempts, domain.ErrHealthCheckTimeout)
}

func (g *Gate) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Probe performs a single check, used by the full health sweep.
func (g *Gate) Probe(ctx context.Context, url string) bool {
	return g.probe(ctx, url)
}
