package httpx

import (
	"time"

	"github.com/cutover-io/cutover/internal/domain"
)

// slotView is the wire shape of one slot.
type slotView struct {
	State          string     `json:"state"`
	Port           int        `json:"port,omitempty"`
	Version        string     `json:"version,omitempty"`
	Image          string     `json:"image,omitempty"`
	DeployedAt     *time.Time `json:"deployedAt,omitempty"`
	DeployedBy     string     `json:"deployedBy,omitempty"`
	PromotedAt     *time.Time `json:"promotedAt,omitempty"`
	PromotedBy     string     `json:"promotedBy,omitempty"`
	RolledBackAt   *time.Time `json:"rolledBackAt,omitempty"`
	RolledBackBy   string     `json:"rolledBackBy,omitempty"`
	HealthStatus   string     `json:"healthStatus"`
	GraceExpiresAt *time.Time `json:"graceExpiresAt,omitempty"`
}

// pairView is the wire shape of a slot pair.
type pairView struct {
	ProjectName string    `json:"projectName"`
	Environment string    `json:"environment"`
	ActiveSlot  string    `json:"activeSlot,omitempty"`
	Blue        slotView  `json:"blue"`
	Green       slotView  `json:"green"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func toSlotView(s domain.Slot) slotView {
	return slotView{
		State:          string(s.State),
		Port:           s.Port,
		Version:        s.Version,
		Image:          s.Image,
		DeployedAt:     s.DeployedAt,
		DeployedBy:     s.DeployedBy,
		PromotedAt:     s.PromotedAt,
		PromotedBy:     s.PromotedBy,
		RolledBackAt:   s.RolledBackAt,
		RolledBackBy:   s.RolledBackBy,
		HealthStatus:   string(s.HealthStatus),
		GraceExpiresAt: s.GraceExpiresAt,
	}
}

func toPairView(p domain.SlotPair) pairView {
	return pairView{
		ProjectName: p.ProjectName,
		Environment: string(p.Environment),
		ActiveSlot:  string(p.ActiveSlot),
		Blue:        toSlotView(p.Blue),
		Green:       toSlotView(p.Green),
		LastUpdated: p.LastUpdated,
	}
}

// auditView is the wire shape of one audit entry.
type auditView struct {
	ID          int64     `json:"id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	ProjectName string    `json:"projectName"`
	Environment string    `json:"environment"`
	Slot        string    `json:"slot,omitempty"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"durationMs"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toAuditView(e domain.AuditEntry) auditView {
	return auditView{
		ID:          e.ID,
		Actor:       e.Actor,
		Action:      e.Action,
		ProjectName: e.ProjectName,
		Environment: string(e.Environment),
		Slot:        string(e.Slot),
		Success:     e.Success,
		DurationMS:  e.Duration.Milliseconds(),
		Error:       e.Error,
		CreatedAt:   e.CreatedAt,
	}
}

// stepView is the wire shape of one migration step.
type stepView struct {
	Order        int    `json:"order"`
	Name         string `json:"name"`
	Command      string `json:"command"`
	Rollback     string `json:"rollback,omitempty"`
	Rollbackable bool   `json:"rollbackable"`
	Status       string `json:"status"`
}

// projectMigrationView is the wire shape of one project's migration.
type projectMigrationView struct {
	ProjectName   string     `json:"projectName,omitempty"`
	Environment   string     `json:"environment,omitempty"`
	CurrentPort   int        `json:"currentPort,omitempty"`
	ContainerName string     `json:"containerName"`
	BluePort      int        `json:"bluePort,omitempty"`
	GreenPort     int        `json:"greenPort,omitempty"`
	Blockers      []string   `json:"blockers,omitempty"`
	Steps         []stepView `json:"steps,omitempty"`
}

// planView is the wire shape of a migration plan.
type planView struct {
	DetectedSystem string                 `json:"detectedSystem"`
	GeneratedAt    time.Time              `json:"generatedAt"`
	Projects       []projectMigrationView `json:"projects"`
}

func toPlanView(p *domain.MigrationPlan) planView {
	view := planView{
		DetectedSystem: string(p.DetectedSystem),
		GeneratedAt:    p.GeneratedAt,
		Projects:       make([]projectMigrationView, 0, len(p.Projects)),
	}
	for _, project := range p.Projects {
		pv := projectMigrationView{
			ProjectName:   project.ProjectName,
			Environment:   string(project.Environment),
			CurrentPort:   project.CurrentPort,
			ContainerName: project.ContainerName,
			BluePort:      project.BluePort,
			GreenPort:     project.GreenPort,
		}
		for _, blocker := range project.Blockers {
			pv.Blockers = append(pv.Blockers, blocker.Reason)
		}
		for _, step := range project.Steps {
			pv.Steps = append(pv.Steps, stepView{
				Order:        step.Order,
				Name:         step.Name,
				Command:      step.Command,
				Rollback:     step.Rollback,
				Rollbackable: step.Rollbackable,
				Status:       string(step.Status),
			})
		}
		view.Projects = append(view.Projects, pv)
	}
	return view
}
