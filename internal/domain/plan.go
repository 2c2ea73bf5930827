package domain

import "time"

// SystemType classifies the deployment landscape found on a host.
type SystemType string

const (
	SystemSlotBased   SystemType = "slot-based"
	SystemRegistry    SystemType = "registry-based"
	SystemWorkflow    SystemType = "workflow-based"
	SystemCompose     SystemType = "raw-compose"
	SystemRawRuntime  SystemType = "raw-runtime"
	SystemUnknownType SystemType = "unknown"
)

// DiscoveredContainer is a running container observed during a landscape scan.
type DiscoveredContainer struct {
	Name        string
	Image       string
	Port        int
	Status      string
	ProjectName string
	Environment Environment
	PRNumber    int
	Recognized  bool
}

// StepStatus tracks a migration step through execution.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// MigrationStep is one ordered action in a migration plan. Steps before the
// health check carry a literal rollback command; later steps do not, because
// traffic cutover is never undone automatically.
type MigrationStep struct {
	Order        int
	Name         string
	Command      string
	Rollback     string
	Rollbackable bool
	Status       StepStatus
}

// ProjectMigration maps one legacy deployment onto slot targets.
type ProjectMigration struct {
	ProjectName   string
	Environment   Environment
	CurrentPort   int
	CurrentDomain string
	ContainerName string
	BluePort      int
	GreenPort     int
	Blockers      []MigrationBlockedError
	Steps         []MigrationStep
}

// Blocked reports whether the project cannot be migrated safely.
func (m *ProjectMigration) Blocked() bool {
	return len(m.Blockers) > 0
}

// MigrationPlan is derived and ephemeral: produced on demand, archived or
// discarded after execution, never stored in the registry.
type MigrationPlan struct {
	DetectedSystem SystemType
	GeneratedAt    time.Time
	Projects       []ProjectMigration
}

// Migratable returns the projects with no blockers.
func (p *MigrationPlan) Migratable() []ProjectMigration {
	out := make([]ProjectMigration, 0, len(p.Projects))
	for _, project := range p.Projects {
		if !project.Blocked() {
			out = append(out, project)
		}
	}
	return out
}
