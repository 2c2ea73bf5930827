package repository

import (
	"context"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
)

// PairFilter narrows a slot-pair listing.
type PairFilter struct {
	ProjectName string
	Environment domain.Environment
}

// SlotPairRepository persists the slot registry. Upsert is compare-and-swap
// keyed on LastUpdated: a writer holding a stale copy gets ErrConflict.
type SlotPairRepository interface {
	GetSlotPair(ctx context.Context, project string, env domain.Environment) (*domain.SlotPair, error)
	UpsertSlotPair(ctx context.Context, pair *domain.SlotPair, expectedLastUpdated time.Time) error
	ListSlotPairs(ctx context.Context, filter PairFilter) ([]domain.SlotPair, error)
	ListUsedPorts(ctx context.Context, env domain.Environment) ([]int, error)
}

// AuditRepository stores the append-only transition history.
type AuditRepository interface {
	InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	PurgeAuditEntries(ctx context.Context, olderThan time.Time) (int64, error)
}

// OperatorRepository persists operator accounts.
type OperatorRepository interface {
	CreateOperator(ctx context.Context, operator *domain.Operator) error
	GetOperatorByName(ctx context.Context, name string) (*domain.Operator, error)
}
