package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// InsertAuditEntry appends one transition record.
func (r *Repository) InsertAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry required")
	}
	const query = `INSERT INTO audit_entries (actor, action, project_name, environment, slot, success, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING id, created_at`
	var createdAt time.Time
	err := r.pool.QueryRow(ctx, query,
		entry.Actor,
		entry.Action,
		entry.ProjectName,
		string(entry.Environment),
		emptyToNil(string(entry.Slot)),
		entry.Success,
		entry.Duration.Milliseconds(),
		emptyToNil(entry.Error),
		nilTime(entry.CreatedAt),
	).Scan(&entry.ID, &createdAt)
	if err != nil {
		return mapPgError(err)
	}
	entry.CreatedAt = createdAt
	return nil
}

// ListAuditEntries queries the transition history with pagination.
func (r *Repository) ListAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, actor, action, project_name, environment, COALESCE(slot, ''), success, duration_ms, COALESCE(error, ''), created_at
		FROM audit_entries
		WHERE ($1 = '' OR project_name = $1)
			AND ($2 = '' OR environment = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5 OFFSET $6`
	rows, err := r.pool.Query(ctx, query,
		strings.TrimSpace(filter.ProjectName),
		string(filter.Environment),
		nilTime(filter.Since),
		nilTime(filter.Until),
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry      domain.AuditEntry
			env, slot  string
			durationMS int64
		)
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.ProjectName, &env, &slot, &entry.Success, &durationMS, &entry.Error, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Environment = domain.Environment(env)
		entry.Slot = domain.SlotRole(slot)
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PurgeAuditEntries deletes entries older than the cutoff, except those for a
// pair whose grace window is still open: that trail must survive until the
// window closes.
func (r *Repository) PurgeAuditEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `DELETE FROM audit_entries a
		WHERE a.created_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM slot_pairs p
				WHERE p.project_name = a.project_name
					AND p.environment = a.environment
					AND (
						(p.blue_state = 'grace' AND p.blue_grace_expires_at > NOW())
						OR (p.green_state = 'grace' AND p.green_grace_expires_at > NOW())
					)
			)`
	tag, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateOperator inserts an operator account.
func (r *Repository) CreateOperator(ctx context.Context, operator *domain.Operator) error {
	const query = `INSERT INTO operators (id, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, operator.ID, operator.Name, operator.PasswordHash, operator.CreatedAt)
	return mapPgErrorNil(err)
}

// GetOperatorByName fetches an operator account.
func (r *Repository) GetOperatorByName(ctx context.Context, name string) (*domain.Operator, error) {
	const query = `SELECT id, name, password_hash, created_at FROM operators WHERE name = $1`
	row := r.pool.QueryRow(ctx, query, name)
	var op domain.Operator
	if err := row.Scan(&op.ID, &op.Name, &op.PasswordHash, &op.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

func mapPgErrorNil(err error) error {
	if err == nil {
		return nil
	}
	return mapPgError(err)
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
