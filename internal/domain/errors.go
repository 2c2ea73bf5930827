package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrRegistryConflict signals a write based on a stale read. The caller must
// re-read the pair and retry.
var ErrRegistryConflict = errors.New("registry conflict: stale read, re-read and retry")

// ErrHealthCheckTimeout signals that a slot never became healthy within the
// gate's attempt budget.
var ErrHealthCheckTimeout = errors.New("health check timed out")

// PortExhaustedError reports a fully occupied sub-range.
type PortExhaustedError struct {
	Environment Environment
	Role        SlotRole
	Start, End  int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("port range exhausted for %s/%s [%d,%d]", e.Environment, e.Role, e.Start, e.End)
}

// NetworkMissingError reports a missing container network together with the
// exact remediation command. The network is never created implicitly.
type NetworkMissingError struct {
	Network     string
	Remediation string
}

func (e *NetworkMissingError) Error() string {
	return fmt.Sprintf("network %q does not exist; create it with: %s", e.Network, e.Remediation)
}

// GraceExpiredError reports a rollback attempted after the grace window closed.
type GraceExpiredError struct {
	Project     string
	Environment Environment
	Slot        SlotRole
	ExpiredAt   time.Time
}

func (e *GraceExpiredError) Error() string {
	return fmt.Sprintf("grace window for %s/%s/%s expired at %s", e.Project, e.Environment, e.Slot, e.ExpiredAt.Format(time.RFC3339))
}

// InvalidTransitionError reports an attempted state change the slot machine
// does not permit.
type InvalidTransitionError struct {
	Project     string
	Environment Environment
	Slot        SlotRole
	From, To    SlotState
	Reason      string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition for %s/%s: %s", e.Project, e.Environment, e.Reason)
	}
	return fmt.Sprintf("invalid transition for %s/%s/%s: %s -> %s", e.Project, e.Environment, e.Slot, e.From, e.To)
}

// MigrationBlockedError reports one per-project blocker. It never fails the
// overall plan; unaffected projects migrate regardless.
type MigrationBlockedError struct {
	Project string
	Reason  string
}

func (e *MigrationBlockedError) Error() string {
	return fmt.Sprintf("migration blocked for %s: %s", e.Project, e.Reason)
}
