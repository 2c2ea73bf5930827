package domain

import (
	"fmt"
	"strings"
	"time"
)

// SlotRole identifies one of the two interchangeable slots of a pair.
type SlotRole string

const (
	RoleBlue  SlotRole = "blue"
	RoleGreen SlotRole = "green"
	RoleNone  SlotRole = ""
)

// Opposite returns the companion role.
func (r SlotRole) Opposite() SlotRole {
	switch r {
	case RoleBlue:
		return RoleGreen
	case RoleGreen:
		return RoleBlue
	default:
		return RoleNone
	}
}

// Valid reports whether the role names a real slot.
func (r SlotRole) Valid() bool {
	return r == RoleBlue || r == RoleGreen
}

// ParseSlotRole parses a textual slot role.
func ParseSlotRole(raw string) (SlotRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "blue":
		return RoleBlue, nil
	case "green":
		return RoleGreen, nil
	default:
		return RoleNone, fmt.Errorf("unknown slot role %q", raw)
	}
}

// SlotState is the lifecycle state of a single slot.
type SlotState string

const (
	StateEmpty    SlotState = "empty"
	StateDeployed SlotState = "deployed"
	StateActive   SlotState = "active"
	StateGrace    SlotState = "grace"
)

// HealthStatus reflects the last observed health of a slot.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Environment is a deployment tier owning its own port ranges.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
	EnvPreview    Environment = "preview"
)

// ParseEnvironment parses a textual environment name.
func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "staging":
		return EnvStaging, nil
	case "production", "prod":
		return EnvProduction, nil
	case "preview":
		return EnvPreview, nil
	default:
		return "", fmt.Errorf("unknown environment %q", raw)
	}
}

// Slot is one blue or green deployment target within a pair.
type Slot struct {
	State          SlotState
	Port           int
	Version        string
	Image          string
	DeployedAt     *time.Time
	DeployedBy     string
	PromotedAt     *time.Time
	PromotedBy     string
	RolledBackAt   *time.Time
	RolledBackBy   string
	HealthStatus   HealthStatus
	GraceExpiresAt *time.Time
}

// EmptySlot returns a zeroed slot in the empty state.
func EmptySlot() Slot {
	return Slot{State: StateEmpty, HealthStatus: HealthUnknown}
}

// Occupied reports whether the slot holds a port that counts toward collisions.
func (s Slot) Occupied() bool {
	return s.State != StateEmpty
}

// GraceExpired reports whether the slot sits in an expired grace window.
func (s Slot) GraceExpired(now time.Time) bool {
	return s.State == StateGrace && s.GraceExpiresAt != nil && !s.GraceExpiresAt.After(now)
}

// Reset clears the slot back to empty, freeing its port.
func (s *Slot) Reset() {
	*s = EmptySlot()
}

// validEdges enumerates the legal slot transitions.
var validEdges = map[SlotState][]SlotState{
	StateEmpty:    {StateDeployed},
	StateDeployed: {StateDeployed, StateActive, StateEmpty},
	StateActive:   {StateGrace, StateEmpty},
	StateGrace:    {StateActive, StateEmpty},
}

// CanTransition reports whether moving from one state to another is legal.
// deployed -> deployed covers overwriting a prior failed deploy on the standby.
func CanTransition(from, to SlotState) bool {
	for _, next := range validEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SlotPair is the aggregate root: both slots of a (project, environment) pair.
type SlotPair struct {
	ProjectName string
	Environment Environment
	ActiveSlot  SlotRole
	Blue        Slot
	Green       Slot
	LastUpdated time.Time
}

// NewSlotPair registers a pair with both roles empty.
func NewSlotPair(project string, env Environment) *SlotPair {
	return &SlotPair{
		ProjectName: project,
		Environment: env,
		ActiveSlot:  RoleNone,
		Blue:        EmptySlot(),
		Green:       EmptySlot(),
		LastUpdated: time.Now().UTC(),
	}
}

// Slot returns the slot for the given role.
func (p *SlotPair) Slot(role SlotRole) *Slot {
	switch role {
	case RoleBlue:
		return &p.Blue
	case RoleGreen:
		return &p.Green
	default:
		return nil
	}
}

// Standby returns the role not currently receiving traffic. A pair with no
// active slot targets blue first.
func (p *SlotPair) Standby() SlotRole {
	if p.ActiveSlot == RoleNone {
		return RoleBlue
	}
	return p.ActiveSlot.Opposite()
}

// Validate checks the pair-level invariants that must hold after every commit.
func (p *SlotPair) Validate(now time.Time) error {
	activeCount := 0
	var activeRole SlotRole
	for _, role := range []SlotRole{RoleBlue, RoleGreen} {
		slot := p.Slot(role)
		if slot.State == StateActive {
			activeCount++
			activeRole = role
		}
		if slot.State == StateGrace {
			if slot.GraceExpiresAt == nil {
				return &InvalidTransitionError{
					Project: p.ProjectName, Environment: p.Environment, Slot: role,
					Reason: "grace slot without expiry",
				}
			}
			if !slot.GraceExpiresAt.After(now) {
				return &InvalidTransitionError{
					Project: p.ProjectName, Environment: p.Environment, Slot: role,
					Reason: "grace slot already expired at commit time",
				}
			}
		}
		if slot.Occupied() && slot.Port <= 0 {
			return &InvalidTransitionError{
				Project: p.ProjectName, Environment: p.Environment, Slot: role,
				Reason: fmt.Sprintf("state %s requires a port", slot.State),
			}
		}
	}
	if activeCount > 1 {
		return &InvalidTransitionError{
			Project: p.ProjectName, Environment: p.Environment,
			Reason: "both slots active",
		}
	}
	if activeCount == 1 && p.ActiveSlot != activeRole {
		return &InvalidTransitionError{
			Project: p.ProjectName, Environment: p.Environment,
			Reason: fmt.Sprintf("activeSlot %q does not match active role %q", p.ActiveSlot, activeRole),
		}
	}
	if activeCount == 0 && p.ActiveSlot != RoleNone {
		return &InvalidTransitionError{
			Project: p.ProjectName, Environment: p.Environment,
			Reason: "activeSlot set but no slot is active",
		}
	}
	if p.Blue.Occupied() && p.Green.Occupied() && p.Blue.Port == p.Green.Port {
		return &InvalidTransitionError{
			Project: p.ProjectName, Environment: p.Environment,
			Reason: fmt.Sprintf("blue and green share port %d", p.Blue.Port),
		}
	}
	return nil
}

// UsedPorts appends the ports held by non-empty slots to dst.
func (p *SlotPair) UsedPorts(dst map[int]struct{}) {
	if p.Blue.Occupied() && p.Blue.Port > 0 {
		dst[p.Blue.Port] = struct{}{}
	}
	if p.Green.Occupied() && p.Green.Port > 0 {
		dst[p.Green.Port] = struct{}{}
	}
}

// ContainerName returns the canonical container name for a slot.
func ContainerName(project string, env Environment, role SlotRole) string {
	return fmt.Sprintf("%s-%s-%s", project, role, env)
}
