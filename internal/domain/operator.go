package domain

import "time"

// Operator is a human or automation principal allowed to drive deployments.
type Operator struct {
	ID           string
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}
