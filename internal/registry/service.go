// Package registry is the single source of truth for slot state. Every write
// passes invariant validation and the repository's optimistic-concurrency
// check; callers seeing ErrRegistryConflict must re-read and retry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// Service mediates access to the slot registry. The read cache is explicit:
// Invalidate is the only way entries leave it early.
type Service struct {
	repo repository.SlotPairRepository
	log  *slog.Logger

	mu       sync.RWMutex
	cache    map[string]cachedPair
	cacheTTL time.Duration
	now      func() time.Time
}

type cachedPair struct {
	pair     domain.SlotPair
	cachedAt time.Time
}

// New constructs the registry service.
func New(repo repository.SlotPairRepository, log *slog.Logger, cacheTTL time.Duration) *Service {
	return &Service{
		repo:     repo,
		log:      log,
		cache:    make(map[string]cachedPair),
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func cacheKey(project string, env domain.Environment) string {
	return project + "/" + string(env)
}

// Get returns the current pair state, registering an empty pair on first use.
func (s *Service) Get(ctx context.Context, project string, env domain.Environment) (*domain.SlotPair, error) {
	if s.cacheTTL > 0 {
		s.mu.RLock()
		entry, ok := s.cache[cacheKey(project, env)]
		s.mu.RUnlock()
		if ok && s.now().Sub(entry.cachedAt) < s.cacheTTL {
			pair := entry.pair
			return &pair, nil
		}
	}
	pair, err := s.repo.GetSlotPair(ctx, project, env)
	if err != nil {
		return nil, err
	}
	s.store(*pair)
	return pair, nil
}

// GetOrRegister loads the pair, creating an empty one when the project and
// environment have never been seen.
func (s *Service) GetOrRegister(ctx context.Context, project string, env domain.Environment) (*domain.SlotPair, error) {
	pair, err := s.Get(ctx, project, env)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	fresh := domain.NewSlotPair(project, env)
	if err := s.repo.UpsertSlotPair(ctx, fresh, time.Time{}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another writer registered the pair first; their row wins.
			s.Invalidate(project, env)
			return s.Get(ctx, project, env)
		}
		return nil, err
	}
	s.store(*fresh)
	s.log.Info("slot pair registered", "project", project, "environment", env)
	return fresh, nil
}

// Upsert validates invariants and commits the pair. expectedLastUpdated is the
// LastUpdated observed at read time; a stale value yields ErrRegistryConflict.
func (s *Service) Upsert(ctx context.Context, pair *domain.SlotPair, expectedLastUpdated time.Time) error {
	if pair == nil {
		return fmt.Errorf("slot pair required")
	}
	now := s.now()
	if err := pair.Validate(now); err != nil {
		return err
	}
	if err := s.checkPortCollisions(ctx, pair); err != nil {
		return err
	}
	if err := s.repo.UpsertSlotPair(ctx, pair, expectedLastUpdated); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.Invalidate(pair.ProjectName, pair.Environment)
			return domain.ErrRegistryConflict
		}
		return err
	}
	s.store(*pair)
	return nil
}

// checkPortCollisions enforces invariant 4 across the whole environment: no
// two non-empty slots of different pairs may share a port.
func (s *Service) checkPortCollisions(ctx context.Context, pair *domain.SlotPair) error {
	others, err := s.repo.ListSlotPairs(ctx, repository.PairFilter{Environment: pair.Environment})
	if err != nil {
		return fmt.Errorf("list pairs for collision check: %w", err)
	}
	mine := make(map[int]struct{})
	pair.UsedPorts(mine)
	for _, other := range others {
		if other.ProjectName == pair.ProjectName {
			continue
		}
		theirs := make(map[int]struct{})
		other.UsedPorts(theirs)
		for port := range mine {
			if _, taken := theirs[port]; taken {
				return &domain.InvalidTransitionError{
					Project:     pair.ProjectName,
					Environment: pair.Environment,
					Reason:      fmt.Sprintf("port %d already held by %s", port, other.ProjectName),
				}
			}
		}
	}
	return nil
}

// List returns pairs matching the filter, bypassing the cache.
func (s *Service) List(ctx context.Context, filter repository.PairFilter) ([]domain.SlotPair, error) {
	return s.repo.ListSlotPairs(ctx, filter)
}

// UsedPorts returns the environment's occupied-port snapshot for allocation.
func (s *Service) UsedPorts(ctx context.Context, env domain.Environment) (map[int]struct{}, error) {
	ports, err := s.repo.ListUsedPorts(ctx, env)
	if err != nil {
		return nil, err
	}
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set, nil
}

// Invalidate drops any cached copy of the pair.
func (s *Service) Invalidate(project string, env domain.Environment) {
	s.mu.Lock()
	delete(s.cache, cacheKey(project, env))
	s.mu.Unlock()
}

func (s *Service) store(pair domain.SlotPair) {
	if s.cacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[cacheKey(pair.ProjectName, pair.Environment)] = cachedPair{pair: pair, cachedAt: s.now()}
	s.mu.Unlock()
}
