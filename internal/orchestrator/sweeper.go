package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// Run sweeps expired grace slots on a ticker until the context ends. A pair
// whose commit races with another writer is simply retried on the next tick.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.log.Error("grace sweep failed", "error", err)
			}
		}
	}
}

// SweepExpired releases every grace slot whose window has closed, freeing its
// port and removing its container. It returns the number of slots released.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	pairs, err := s.registry.List(ctx, repository.PairFilter{})
	if err != nil {
		return 0, err
	}
	released := 0
	now := s.now()
	for i := range pairs {
		pair := pairs[i]
		var expired []domain.SlotRole
		for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
			if pair.Slot(role).GraceExpired(now) {
				expired = append(expired, role)
			}
		}
		if len(expired) == 0 {
			continue
		}
		expected := pair.LastUpdated
		for _, role := range expired {
			pair.Slot(role).Reset()
		}
		if err := s.registry.Upsert(ctx, &pair, expected); err != nil {
			if errors.Is(err, domain.ErrRegistryConflict) {
				s.log.Debug("sweep lost a race, deferring to next tick",
					"project", pair.ProjectName, "environment", pair.Environment)
				continue
			}
			return released, err
		}
		for _, role := range expired {
			name := domain.ContainerName(pair.ProjectName, pair.Environment, role)
			if rerr := s.runtime.Remove(ctx, name); rerr != nil {
				s.log.Warn("expired grace container removal failed", "container", name, "error", rerr)
			}
			s.log.Info("grace window expired, slot released",
				"project", pair.ProjectName,
				"environment", pair.Environment,
				"slot", role)
			released++
		}
		if s.audit != nil {
			s.audit.Record(ctx, domain.AuditEntry{
				Actor:       "sweeper",
				Action:      "sweep",
				ProjectName: pair.ProjectName,
				Environment: pair.Environment,
				Success:     true,
				CreatedAt:   now,
			})
		}
	}
	return released, nil
}
