package domain

import "time"

// AuditEntry records one attempted state transition.
type AuditEntry struct {
	ID          int64
	Actor       string
	Action      string
	ProjectName string
	Environment Environment
	Slot        SlotRole
	Success     bool
	Duration    time.Duration
	Error       string
	CreatedAt   time.Time
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	ProjectName string
	Environment Environment
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}
