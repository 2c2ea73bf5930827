// Package audit records every attempted state transition, successful or not.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// Service appends and queries audit entries and runs the retention sweep.
type Service struct {
	repo       repository.AuditRepository
	log        *slog.Logger
	retention  time.Duration
	purgeEvery time.Duration
}

// New constructs the audit service. retentionDays bounds how long entries are
// kept; purgeEvery sets the sweep cadence.
func New(repo repository.AuditRepository, log *slog.Logger, retentionDays int, purgeEvery time.Duration) *Service {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if purgeEvery <= 0 {
		purgeEvery = 24 * time.Hour
	}
	return &Service{
		repo:       repo,
		log:        log,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		purgeEvery: purgeEvery,
	}
}

// Record appends one entry. Audit failures are logged, never propagated: an
// operation that succeeded must not be reported as failed because its audit
// insert did not land.
func (s *Service) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.InsertAuditEntry(ctx, &entry); err != nil {
		s.log.Error("audit insert failed",
			"action", entry.Action,
			"project", entry.ProjectName,
			"environment", entry.Environment,
			"error", err)
	}
}

// List returns entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAuditEntries(ctx, filter)
}

// Run purges expired entries on a ticker until the context ends. Entries for
// pairs with an open grace window are retained regardless of age.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	removed, err := s.repo.PurgeAuditEntries(ctx, cutoff)
	if err != nil {
		s.log.Error("audit purge failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("audit entries purged", "removed", removed, "older_than", cutoff)
	}
}
