package legacy

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/ports"
)

// Planner turns a landscape scan into an ordered, per-project migration plan.
type Planner struct {
	paths Paths
	log   *slog.Logger
	now   func() time.Time
}

// NewPlanner constructs a Planner. paths feed the literal backup commands.
func NewPlanner(paths Paths, log *slog.Logger) *Planner {
	return &Planner{paths: paths, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Plan maps each discovered project onto slot targets. One used-port set is
// threaded through every allocation so plans for many projects never collide
// with each other or with what is already live. Blockers are per-project:
// a project that cannot be mapped safely is reported and skipped, the rest
// migrate regardless.
func (p *Planner) Plan(system domain.SystemType, containers []domain.DiscoveredContainer) *domain.MigrationPlan {
	used := ports.NewUsedSet()
	for _, c := range containers {
		if c.Port > 0 {
			used.Add(c.Port)
		}
	}

	plan := &domain.MigrationPlan{DetectedSystem: system, GeneratedAt: p.now()}
	for _, c := range orderedByProject(containers) {
		project := p.planProject(c, used)
		plan.Projects = append(plan.Projects, project)
		if project.Blocked() {
			for _, blocker := range project.Blockers {
				p.log.Warn("project blocked from migration", "project", project.ProjectName, "reason", blocker.Reason)
			}
		}
	}
	return plan
}

func orderedByProject(containers []domain.DiscoveredContainer) []domain.DiscoveredContainer {
	out := append([]domain.DiscoveredContainer(nil), containers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Planner) planProject(c domain.DiscoveredContainer, used ports.UsedSet) domain.ProjectMigration {
	migration := domain.ProjectMigration{
		ProjectName:   c.ProjectName,
		Environment:   c.Environment,
		CurrentPort:   c.Port,
		ContainerName: c.Name,
	}
	if !c.Recognized {
		migration.ProjectName = ""
		migration.Blockers = append(migration.Blockers, domain.MigrationBlockedError{
			Project: c.Name,
			Reason:  fmt.Sprintf("container name %q matches no known naming pattern", c.Name),
		})
		return migration
	}
	if c.Status != "" && c.Status != "running" {
		migration.Blockers = append(migration.Blockers, domain.MigrationBlockedError{
			Project: c.ProjectName,
			Reason:  fmt.Sprintf("container is %s, only running projects migrate", c.Status),
		})
	}
	if migration.Blocked() {
		return migration
	}

	bluePort, greenPort, err := p.targetPorts(c, used)
	if err != nil {
		migration.Blockers = append(migration.Blockers, domain.MigrationBlockedError{
			Project: c.ProjectName,
			Reason:  err.Error(),
		})
		return migration
	}
	migration.BluePort = bluePort
	migration.GreenPort = greenPort
	migration.Steps = p.steps(migration)
	return migration
}

// targetPorts keeps the live port as one of the two slot ports when it already
// sits inside the correct sub-range, so cutover needs no port move.
func (p *Planner) targetPorts(c domain.DiscoveredContainer, used ports.UsedSet) (int, int, error) {
	blueRange, ok := ports.RangeFor(c.Environment, domain.RoleBlue)
	if !ok {
		return 0, 0, fmt.Errorf("no port ranges for environment %q", c.Environment)
	}
	greenRange, _ := ports.RangeFor(c.Environment, domain.RoleGreen)

	switch {
	case c.Port > 0 && blueRange.Contains(c.Port):
		green, err := ports.Allocate(c.Environment, domain.RoleGreen, used)
		if err != nil {
			return 0, 0, err
		}
		return c.Port, green, nil
	case c.Port > 0 && greenRange.Contains(c.Port):
		blue, err := ports.Allocate(c.Environment, domain.RoleBlue, used)
		if err != nil {
			return 0, 0, err
		}
		return blue, c.Port, nil
	default:
		blue, err := ports.Allocate(c.Environment, domain.RoleBlue, used)
		if err != nil {
			return 0, 0, err
		}
		green, err := ports.Allocate(c.Environment, domain.RoleGreen, used)
		if err != nil {
			return 0, 0, err
		}
		return blue, green, nil
	}
}

// steps emits the ordered migration actions. Everything before the health
// check carries a literal rollback command; traffic cutover is never undone
// automatically, so the health check and decommission are not rollbackable.
func (p *Planner) steps(m domain.ProjectMigration) []domain.MigrationStep {
	registryFile := p.paths.RegistryFile
	if registryFile == "" {
		registryFile = "/var/lib/cutover/registry.json"
	}
	proxyDir := p.paths.ProxyDir
	if proxyDir == "" {
		proxyDir = "/etc/nginx/conf.d"
	}
	project, env := m.ProjectName, m.Environment
	// The live container keeps its port as one slot; the first slot deploy
	// targets the companion port.
	standbyPort := m.GreenPort
	if m.CurrentPort == m.GreenPort {
		standbyPort = m.BluePort
	}
	steps := []domain.MigrationStep{
		{
			Name:     "backup_registry",
			Command:  fmt.Sprintf("cp %s %s.bak", registryFile, registryFile),
			Rollback: fmt.Sprintf("cp %s.bak %s", registryFile, registryFile),
		},
		{
			Name:     "backup_routing",
			Command:  fmt.Sprintf("cp -r %s %s.bak", proxyDir, proxyDir),
			Rollback: fmt.Sprintf("rm -rf %s && mv %s.bak %s", proxyDir, proxyDir, proxyDir),
		},
		{
			Name:     "create_slot_entries",
			Command:  fmt.Sprintf("cutover slot register --project %s --environment %s --blue-port %d --green-port %d", project, env, m.BluePort, m.GreenPort),
			Rollback: fmt.Sprintf("cutover slot remove --project %s --environment %s", project, env),
		},
		{
			Name:     "generate_units",
			Command:  fmt.Sprintf("cutover unit generate --project %s --environment %s", project, env),
			Rollback: fmt.Sprintf("rm -f /etc/containers/systemd/%s-*-%s.container", project, env),
		},
		{
			Name:     "migrate_env_files",
			Command:  fmt.Sprintf("cutover env seal --project %s --environment %s", project, env),
			Rollback: fmt.Sprintf("cutover env restore --project %s --environment %s", project, env),
		},
		{
			Name:     "deploy_standby",
			Command:  fmt.Sprintf("cutover deploy --project %s --environment %s --port %d", project, env, standbyPort),
			Rollback: fmt.Sprintf("cutover slot cleanup --project %s --environment %s", project, env),
		},
		{
			Name:     "update_routing",
			Command:  fmt.Sprintf("cutover route --project %s --environment %s --port %d", project, env, standbyPort),
			Rollback: fmt.Sprintf("cp %s.bak/%s.conf %s/%s.conf && nginx -s reload", proxyDir, project, proxyDir, project),
		},
		{
			Name:    "health_check",
			Command: fmt.Sprintf("cutover health --project %s --environment %s", project, env),
		},
		{
			Name:    "decommission_legacy",
			Command: fmt.Sprintf("docker rm -f %s", m.ContainerName),
		},
	}
	for i := range steps {
		steps[i].Order = i + 1
		steps[i].Status = domain.StepPending
		steps[i].Rollbackable = steps[i].Rollback != ""
	}
	return steps
}
