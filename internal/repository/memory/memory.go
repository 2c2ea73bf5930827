// Package memory provides an in-memory repository used by tests and local
// single-process development. Its Upsert honors the same compare-and-swap
// contract as the Postgres implementation.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// Repository keeps all state in process memory.
type Repository struct {
	mu        sync.Mutex
	pairs     map[string]domain.SlotPair
	audits    []domain.AuditEntry
	operators map[string]domain.Operator
	nextAudit int64
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		pairs:     make(map[string]domain.SlotPair),
		operators: make(map[string]domain.Operator),
		nextAudit: 1,
	}
}

var (
	_ repository.SlotPairRepository = (*Repository)(nil)
	_ repository.AuditRepository    = (*Repository)(nil)
	_ repository.OperatorRepository = (*Repository)(nil)
)

func pairKey(project string, env domain.Environment) string {
	return project + "/" + string(env)
}

// GetSlotPair returns a copy of the stored pair.
func (r *Repository) GetSlotPair(_ context.Context, project string, env domain.Environment) (*domain.SlotPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair, ok := r.pairs[pairKey(project, env)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := pair
	return &copied, nil
}

// UpsertSlotPair writes the pair under the CAS contract.
func (r *Repository) UpsertSlotPair(_ context.Context, pair *domain.SlotPair, expectedLastUpdated time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(pair.ProjectName, pair.Environment)
	stored, exists := r.pairs[key]
	if expectedLastUpdated.IsZero() {
		if exists {
			return repository.ErrConflict
		}
	} else {
		if !exists {
			return repository.ErrNotFound
		}
		if !stored.LastUpdated.Equal(expectedLastUpdated) {
			return repository.ErrConflict
		}
	}
	pair.LastUpdated = time.Now().UTC()
	r.pairs[key] = *pair
	return nil
}

// ListSlotPairs enumerates pairs matching the filter in stable order.
func (r *Repository) ListSlotPairs(_ context.Context, filter repository.PairFilter) ([]domain.SlotPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SlotPair, 0, len(r.pairs))
	for _, pair := range r.pairs {
		if filter.ProjectName != "" && pair.ProjectName != filter.ProjectName {
			continue
		}
		if filter.Environment != "" && pair.Environment != filter.Environment {
			continue
		}
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectName != out[j].ProjectName {
			return out[i].ProjectName < out[j].ProjectName
		}
		return out[i].Environment < out[j].Environment
	})
	return out, nil
}

// ListUsedPorts returns every occupied port in the environment.
func (r *Repository) ListUsedPorts(_ context.Context, env domain.Environment) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0)
	for _, pair := range r.pairs {
		if pair.Environment != env {
			continue
		}
		set := make(map[int]struct{})
		pair.UsedPorts(set)
		for p := range set {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// InsertAuditEntry appends a transition record.
func (r *Repository) InsertAuditEntry(_ context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.nextAudit
	r.nextAudit++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.audits = append(r.audits, *entry)
	return nil
}

// ListAuditEntries filters and paginates the history, newest first.
func (r *Repository) ListAuditEntries(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]domain.AuditEntry, 0)
	for _, entry := range r.audits {
		if filter.ProjectName != "" && entry.ProjectName != filter.ProjectName {
			continue
		}
		if filter.Environment != "" && entry.Environment != filter.Environment {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && entry.CreatedAt.After(filter.Until) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// PurgeAuditEntries removes old entries except those covering an open grace window.
func (r *Repository) PurgeAuditEntries(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	graceHeld := make(map[string]struct{})
	for key, pair := range r.pairs {
		for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
			slot := pair.Slot(role)
			if slot.State == domain.StateGrace && slot.GraceExpiresAt != nil && slot.GraceExpiresAt.After(now) {
				graceHeld[key] = struct{}{}
			}
		}
	}
	kept := r.audits[:0]
	var removed int64
	for _, entry := range r.audits {
		key := pairKey(entry.ProjectName, entry.Environment)
		if entry.CreatedAt.Before(olderThan) {
			if _, held := graceHeld[key]; !held {
				removed++
				continue
			}
		}
		kept = append(kept, entry)
	}
	r.audits = kept
	return removed, nil
}

// CreateOperator stores an operator account.
func (r *Repository) CreateOperator(_ context.Context, operator *domain.Operator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.TrimSpace(operator.Name)
	if _, exists := r.operators[name]; exists {
		return repository.ErrInvalidArgument
	}
	r.operators[name] = *operator
	return nil
}

// GetOperatorByName fetches an operator account.
func (r *Repository) GetOperatorByName(_ context.Context, name string) (*domain.Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	operator, ok := r.operators[strings.TrimSpace(name)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := operator
	return &copied, nil
}
