package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SlotPairRepository = (*Repository)(nil)
	_ repository.AuditRepository    = (*Repository)(nil)
	_ repository.OperatorRepository = (*Repository)(nil)
)

const slotPairColumns = `project_name, environment, active_slot,
	blue_state, blue_port, blue_version, blue_image, blue_deployed_at, blue_deployed_by,
	blue_promoted_at, blue_promoted_by, blue_rolled_back_at, blue_rolled_back_by,
	blue_health, blue_grace_expires_at,
	green_state, green_port, green_version, green_image, green_deployed_at, green_deployed_by,
	green_promoted_at, green_promoted_by, green_rolled_back_at, green_rolled_back_by,
	green_health, green_grace_expires_at,
	last_updated`

// GetSlotPair loads the pair row for a project and environment.
func (r *Repository) GetSlotPair(ctx context.Context, project string, env domain.Environment) (*domain.SlotPair, error) {
	query := `SELECT ` + slotPairColumns + ` FROM slot_pairs WHERE project_name = $1 AND environment = $2`
	row := r.pool.QueryRow(ctx, query, project, string(env))
	pair, err := scanSlotPair(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return pair, nil
}

// UpsertSlotPair writes the pair under optimistic concurrency. A zero
// expectedLastUpdated inserts a fresh row; otherwise the update only lands if
// the stored last_updated still matches the caller's read.
func (r *Repository) UpsertSlotPair(ctx context.Context, pair *domain.SlotPair, expectedLastUpdated time.Time) error {
	if pair == nil {
		return fmt.Errorf("slot pair required")
	}
	if expectedLastUpdated.IsZero() {
		return r.insertSlotPair(ctx, pair)
	}
	const query = `UPDATE slot_pairs SET
			active_slot = $3,
			blue_state = $4, blue_port = $5, blue_version = $6, blue_image = $7,
			blue_deployed_at = $8, blue_deployed_by = $9, blue_promoted_at = $10, blue_promoted_by = $11,
			blue_rolled_back_at = $12, blue_rolled_back_by = $13, blue_health = $14, blue_grace_expires_at = $15,
			green_state = $16, green_port = $17, green_version = $18, green_image = $19,
			green_deployed_at = $20, green_deployed_by = $21, green_promoted_at = $22, green_promoted_by = $23,
			green_rolled_back_at = $24, green_rolled_back_by = $25, green_health = $26, green_grace_expires_at = $27,
			last_updated = NOW()
		WHERE project_name = $1 AND environment = $2 AND last_updated = $28
		RETURNING last_updated`
	args := append([]any{pair.ProjectName, string(pair.Environment), emptyToNil(string(pair.ActiveSlot))},
		slotArgs(pair.Blue)...)
	args = append(args, slotArgs(pair.Green)...)
	args = append(args, expectedLastUpdated)
	var updated time.Time
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return mapPgError(err)
	}
	pair.LastUpdated = updated
	return nil
}

func (r *Repository) insertSlotPair(ctx context.Context, pair *domain.SlotPair) error {
	const query = `INSERT INTO slot_pairs (` + `project_name, environment, active_slot,
			blue_state, blue_port, blue_version, blue_image, blue_deployed_at, blue_deployed_by,
			blue_promoted_at, blue_promoted_by, blue_rolled_back_at, blue_rolled_back_by,
			blue_health, blue_grace_expires_at,
			green_state, green_port, green_version, green_image, green_deployed_at, green_deployed_by,
			green_promoted_at, green_promoted_by, green_rolled_back_at, green_rolled_back_by,
			green_health, green_grace_expires_at,
			last_updated` + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,NOW())
		ON CONFLICT (project_name, environment) DO NOTHING
		RETURNING last_updated`
	args := append([]any{pair.ProjectName, string(pair.Environment), emptyToNil(string(pair.ActiveSlot))},
		slotArgs(pair.Blue)...)
	args = append(args, slotArgs(pair.Green)...)
	var updated time.Time
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row already exists: the caller raced another registration.
			return repository.ErrConflict
		}
		return mapPgError(err)
	}
	pair.LastUpdated = updated
	return nil
}

// ListSlotPairs enumerates pairs, optionally narrowed by project or environment.
func (r *Repository) ListSlotPairs(ctx context.Context, filter repository.PairFilter) ([]domain.SlotPair, error) {
	query := `SELECT ` + slotPairColumns + ` FROM slot_pairs
		WHERE ($1 = '' OR project_name = $1) AND ($2 = '' OR environment = $2)
		ORDER BY project_name, environment`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(filter.ProjectName), string(filter.Environment))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := make([]domain.SlotPair, 0)
	for rows.Next() {
		pair, err := scanSlotPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, *pair)
	}
	return pairs, rows.Err()
}

// ListUsedPorts returns every port held by a non-empty slot in the environment.
func (r *Repository) ListUsedPorts(ctx context.Context, env domain.Environment) ([]int, error) {
	const query = `SELECT blue_port, blue_state, green_port, green_state
		FROM slot_pairs WHERE environment = $1`
	rows, err := r.pool.Query(ctx, query, string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make([]int, 0)
	for rows.Next() {
		var (
			bluePort, greenPort   sql.NullInt32
			blueState, greenState string
		)
		if err := rows.Scan(&bluePort, &blueState, &greenPort, &greenState); err != nil {
			return nil, err
		}
		if bluePort.Valid && domain.SlotState(blueState) != domain.StateEmpty {
			ports = append(ports, int(bluePort.Int32))
		}
		if greenPort.Valid && domain.SlotState(greenState) != domain.StateEmpty {
			ports = append(ports, int(greenPort.Int32))
		}
	}
	return ports, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlotPair(row rowScanner) (*domain.SlotPair, error) {
	var (
		pair       domain.SlotPair
		env        string
		activeSlot sql.NullString
	)
	blueDest, blueFinish := slotDest(&pair.Blue)
	greenDest, greenFinish := slotDest(&pair.Green)
	dest := append([]any{&pair.ProjectName, &env, &activeSlot}, blueDest...)
	dest = append(dest, greenDest...)
	dest = append(dest, &pair.LastUpdated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	pair.Environment = domain.Environment(env)
	if activeSlot.Valid {
		pair.ActiveSlot = domain.SlotRole(activeSlot.String)
	}
	blueFinish()
	greenFinish()
	return &pair, nil
}

// slotDest builds scan targets for one slot's column block and a finish func
// that folds nullable columns back into the domain struct.
func slotDest(slot *domain.Slot) ([]any, func()) {
	var (
		state        string
		port         sql.NullInt32
		deployedAt   sql.NullTime
		promotedAt   sql.NullTime
		rolledBackAt sql.NullTime
		health       string
		graceExpires sql.NullTime
	)
	dest := []any{
		&state, &port, &slot.Version, &slot.Image,
		&deployedAt, &slot.DeployedBy, &promotedAt, &slot.PromotedBy,
		&rolledBackAt, &slot.RolledBackBy, &health, &graceExpires,
	}
	finish := func() {
		slot.State = domain.SlotState(state)
		slot.HealthStatus = domain.HealthStatus(health)
		if port.Valid {
			slot.Port = int(port.Int32)
		}
		if deployedAt.Valid {
			value := deployedAt.Time.UTC()
			slot.DeployedAt = &value
		}
		if promotedAt.Valid {
			value := promotedAt.Time.UTC()
			slot.PromotedAt = &value
		}
		if rolledBackAt.Valid {
			value := rolledBackAt.Time.UTC()
			slot.RolledBackAt = &value
		}
		if graceExpires.Valid {
			value := graceExpires.Time.UTC()
			slot.GraceExpiresAt = &value
		}
	}
	return dest, finish
}

func slotArgs(slot domain.Slot) []any {
	return []any{
		string(slot.State), intToNil(slot.Port), slot.Version, slot.Image,
		timePtrToNil(slot.DeployedAt), slot.DeployedBy,
		timePtrToNil(slot.PromotedAt), slot.PromotedBy,
		timePtrToNil(slot.RolledBackAt), slot.RolledBackBy,
		string(slot.HealthStatus), timePtrToNil(slot.GraceExpiresAt),
	}
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intToNil(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
