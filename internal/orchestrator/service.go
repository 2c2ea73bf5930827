// Package orchestrator drives the slot lifecycle: deploy to the standby slot,
// promote it, roll back within the grace window, and sweep expired grace
// slots. All state changes are committed through the registry; container and
// routing side effects happen around the commit, never instead of it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/ports"
	"github.com/cutover-io/cutover/internal/progress"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository"
	"github.com/cutover-io/cutover/internal/runtime"
	"github.com/cutover-io/cutover/internal/unit"
)

// HealthWaiter gates promotion readiness on a liveness endpoint.
type HealthWaiter interface {
	Wait(ctx context.Context, url string) error
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// Publisher streams progress events to subscribers.
type Publisher interface {
	Publish(event progress.Event)
}

// RoutingUpdater repoints ingress at the new active port. It is called after
// the registry commit, so routing failures never leave the registry stale.
type RoutingUpdater interface {
	UpdateRoute(ctx context.Context, project string, env domain.Environment, port int) error
}

// Config tunes orchestration behavior.
type Config struct {
	GracePeriod     time.Duration
	DeployTimeout   time.Duration
	SweepInterval   time.Duration
	ConflictRetries int
	Network         string
	HealthHost      string
	HealthPath      string
	EnvSealKey      string
}

func (c *Config) applyDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 6 * time.Hour
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 3
	}
	if c.HealthHost == "" {
		c.HealthHost = "localhost"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
}

// Service is the deployment orchestrator.
type Service struct {
	registry *registry.Service
	runtime  runtime.Runtime
	health   HealthWaiter
	audit    Recorder
	progress Publisher
	routing  RoutingUpdater
	metrics  *Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New constructs the orchestrator. routing may be nil when no ingress is
// managed; metrics may be nil to skip instrumentation.
func New(reg *registry.Service, rt runtime.Runtime, health HealthWaiter, audit Recorder, pub Publisher, routing RoutingUpdater, metrics *Metrics, log *slog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		registry: reg,
		runtime:  rt,
		health:   health,
		audit:    audit,
		progress: pub,
		routing:  routing,
		metrics:  metrics,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DeployRequest describes one deployment to the standby slot.
type DeployRequest struct {
	ProjectName   string
	Environment   domain.Environment
	Image         string
	Version       string
	Actor         string
	DeployID      string
	EnvFile       string
	ContainerPort int
	AutoPromote   bool
}

// DeployResult reports where the deployment landed.
type DeployResult struct {
	Slot       domain.SlotRole
	Port       int
	UnitFile   string
	Unit       string
	Warnings   []unit.Warning
	PreviewURL string
	Promoted   bool
	DeployID   string
}

// Deploy places the image on the standby slot. The registry commit is the last
// step: a failure anywhere earlier leaves the registry untouched. The active
// slot keeps serving traffic throughout.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	started := s.now()
	if err := validateDeploy(req); err != nil {
		return nil, err
	}
	if req.DeployID == "" {
		req.DeployID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeployTimeout)
	defer cancel()

	var result *DeployResult
	err := s.withRetry(func() error {
		r, err := s.deployOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	s.finish(ctx, "deploy", req.Actor, req.ProjectName, req.Environment, slotOf(result), req.DeployID, previewOf(result), started, err)
	if err != nil {
		return nil, err
	}
	s.archiveEnvFile(req.EnvFile)
	if req.AutoPromote {
		promoted, perr := s.Promote(ctx, PromoteRequest{
			ProjectName: req.ProjectName,
			Environment: req.Environment,
			Actor:       req.Actor,
			DeployID:    req.DeployID,
		})
		if perr != nil {
			return result, fmt.Errorf("deployed to %s but auto-promote failed: %w", result.Slot, perr)
		}
		result.Promoted = true
		result.Slot = promoted.Slot
	}
	return result, nil
}

func validateDeploy(req DeployRequest) error {
	if req.ProjectName == "" {
		return fmt.Errorf("project name required")
	}
	if req.Image == "" {
		return fmt.Errorf("image required")
	}
	if _, err := domain.ParseEnvironment(string(req.Environment)); err != nil {
		return err
	}
	return nil
}

func (s *Service) deployOnce(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	pair, err := s.registry.GetOrRegister(ctx, req.ProjectName, req.Environment)
	if err != nil {
		return nil, err
	}
	expected := pair.LastUpdated
	target := pair.Standby()
	slot := pair.Slot(target)
	if !domain.CanTransition(slot.State, domain.StateDeployed) {
		return nil, &domain.InvalidTransitionError{
			Project:     req.ProjectName,
			Environment: req.Environment,
			Slot:        target,
			From:        slot.State,
			To:          domain.StateDeployed,
		}
	}

	port, err := s.resolvePort(ctx, pair, target)
	if err != nil {
		return nil, err
	}
	s.step(req.DeployID, "allocate_port", progress.EventData{Slot: string(target), Message: fmt.Sprintf("port %d", port)})

	text, warnings, err := s.renderUnit(ctx, req, target, port)
	if err != nil {
		return nil, err
	}
	s.step(req.DeployID, "generate_unit", progress.EventData{Slot: string(target)})

	if err := unit.ValidateNetwork(ctx, s.runtime, s.cfg.Network); err != nil {
		return nil, err
	}

	name := domain.ContainerName(req.ProjectName, req.Environment, target)
	// A failed prior deploy can leave a container behind on the standby name.
	if err := s.runtime.Remove(ctx, name); err != nil {
		s.log.Warn("stale container removal failed", "container", name, "error", err)
	}
	startReq := runtime.StartRequest{
		ContainerName: name,
		Image:         req.Image,
		HostPort:      port,
		ContainerPort: req.ContainerPort,
		EnvFile:       req.EnvFile,
		Network:       s.cfg.Network,
		Unit:          text,
	}
	if err := s.runtime.Start(ctx, startReq); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	s.step(req.DeployID, "start_container", progress.EventData{Slot: string(target)})

	healthURL := fmt.Sprintf("http://%s:%d%s", s.cfg.HealthHost, port, s.cfg.HealthPath)
	now := s.now()
	slot.Port = port
	slot.Version = req.Version
	slot.Image = req.Image
	slot.DeployedAt = &now
	slot.DeployedBy = req.Actor
	slot.GraceExpiresAt = nil

	if req.AutoPromote {
		// The commit is deferred until the slot proves healthy: a failed gate
		// leaves the registry showing the slot's pre-deploy state.
		if err := s.health.Wait(ctx, healthURL); err != nil {
			if stopErr := s.runtime.Stop(ctx, name); stopErr != nil {
				s.log.Warn("stopping failed deployment", "container", name, "error", stopErr)
			}
			return nil, fmt.Errorf("deployment never became healthy: %w", err)
		}
		s.step(req.DeployID, "health_check", progress.EventData{Slot: string(target)})
		slot.State = domain.StateDeployed
		slot.HealthStatus = domain.HealthHealthy
		if err := s.registry.Upsert(ctx, pair, expected); err != nil {
			return nil, err
		}
	} else {
		// Manual flow commits deployed/unknown right after the start, then the
		// gate settles the health status. An unhealthy outcome keeps the slot
		// deployed so the next deploy can overwrite it.
		slot.State = domain.StateDeployed
		slot.HealthStatus = domain.HealthUnknown
		if err := s.registry.Upsert(ctx, pair, expected); err != nil {
			return nil, err
		}
		gateErr := s.health.Wait(ctx, healthURL)
		if gateErr == nil {
			slot.HealthStatus = domain.HealthHealthy
			s.step(req.DeployID, "health_check", progress.EventData{Slot: string(target)})
		} else {
			slot.HealthStatus = domain.HealthUnhealthy
		}
		if err := s.registry.Upsert(ctx, pair, pair.LastUpdated); err != nil {
			return nil, err
		}
		if gateErr != nil {
			return nil, fmt.Errorf("deployment never became healthy: %w", gateErr)
		}
	}
	s.step(req.DeployID, "commit", progress.EventData{Slot: string(target)})

	return &DeployResult{
		Slot:       target,
		Port:       port,
		UnitFile:   unit.FileName(req.ProjectName, req.Environment, target),
		Unit:       text,
		Warnings:   warnings,
		PreviewURL: fmt.Sprintf("http://%s:%d", s.cfg.HealthHost, port),
		DeployID:   req.DeployID,
	}, nil
}

// resolvePort reuses the slot's existing port when it already sits inside the
// role's sub-range, otherwise allocates the first free port from a fresh
// environment-wide snapshot.
func (s *Service) resolvePort(ctx context.Context, pair *domain.SlotPair, role domain.SlotRole) (int, error) {
	slot := pair.Slot(role)
	if r, ok := ports.RangeFor(pair.Environment, role); ok && slot.Port > 0 && r.Contains(slot.Port) {
		return slot.Port, nil
	}
	used, err := s.registry.UsedPorts(ctx, pair.Environment)
	if err != nil {
		return 0, fmt.Errorf("snapshot used ports: %w", err)
	}
	return ports.Allocate(pair.Environment, role, ports.UsedSet(used))
}

func (s *Service) renderUnit(ctx context.Context, req DeployRequest, role domain.SlotRole, port int) (string, []unit.Warning, error) {
	text, err := unit.Generate(unit.Spec{
		ProjectName:   req.ProjectName,
		Environment:   req.Environment,
		Role:          role,
		Image:         req.Image,
		Port:          port,
		ContainerPort: req.ContainerPort,
		EnvFile:       req.EnvFile,
		Network:       s.cfg.Network,
	})
	if err != nil {
		return "", nil, err
	}
	major, err := s.runtime.MajorVersion(ctx)
	if err != nil {
		s.log.Warn("runtime version unknown, keeping modern unit keys", "error", err)
		return text, nil, nil
	}
	converted, warnings, err := unit.Convert(text, major)
	if err != nil {
		return "", nil, err
	}
	for _, w := range warnings {
		s.log.Info("unit key downgraded for runtime", "key", w.Key, "argument", w.Argument, "major", major)
	}
	return converted, warnings, nil
}

// PromoteRequest identifies the pair whose deployed standby should go active.
type PromoteRequest struct {
	ProjectName string
	Environment domain.Environment
	Actor       string
	DeployID    string
}

// PromoteResult reports the traffic flip.
type PromoteResult struct {
	Slot     domain.SlotRole
	Port     int
	Previous domain.SlotRole
}

// Promote flips traffic to the deployed slot. The prior active slot enters its
// grace window in the same commit, so there is never a moment with two active
// slots. Routing is updated only after the commit lands.
func (s *Service) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	started := s.now()
	var result *PromoteResult
	err := s.withRetry(func() error {
		r, err := s.promoteOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	s.finish(ctx, "promote", req.Actor, req.ProjectName, req.Environment, slotOfPromote(result), req.DeployID, "", started, err)
	if err != nil {
		return nil, err
	}
	if s.routing != nil {
		if rerr := s.routing.UpdateRoute(ctx, req.ProjectName, req.Environment, result.Port); rerr != nil {
			return result, fmt.Errorf("promoted %s but routing update failed: %w", result.Slot, rerr)
		}
	}
	return result, nil
}

func (s *Service) promoteOnce(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	pair, err := s.registry.Get(ctx, req.ProjectName, req.Environment)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("pair %s/%s not registered", req.ProjectName, req.Environment)
		}
		return nil, err
	}
	expected := pair.LastUpdated
	target := domain.RoleNone
	for _, role := range []domain.SlotRole{pair.Standby(), pair.Standby().Opposite()} {
		if pair.Slot(role).State == domain.StateDeployed {
			target = role
			break
		}
	}
	if target == domain.RoleNone {
		return nil, &domain.InvalidTransitionError{
			Project:     req.ProjectName,
			Environment: req.Environment,
			Reason:      "no deployed slot to promote",
		}
	}
	slot := pair.Slot(target)
	if slot.HealthStatus != domain.HealthHealthy {
		return nil, &domain.InvalidTransitionError{
			Project:     req.ProjectName,
			Environment: req.Environment,
			Slot:        target,
			Reason:      fmt.Sprintf("slot health is %s, promotion requires healthy", slot.HealthStatus),
		}
	}

	now := s.now()
	previous := pair.ActiveSlot
	if previous != domain.RoleNone {
		old := pair.Slot(previous)
		old.State = domain.StateGrace
		expiry := now.Add(s.cfg.GracePeriod)
		old.GraceExpiresAt = &expiry
	}
	slot.State = domain.StateActive
	slot.PromotedAt = &now
	slot.PromotedBy = req.Actor
	slot.GraceExpiresAt = nil
	pair.ActiveSlot = target
	if err := s.registry.Upsert(ctx, pair, expected); err != nil {
		return nil, err
	}
	s.step(req.DeployID, "promote", progress.EventData{Slot: string(target)})
	return &PromoteResult{Slot: target, Port: slot.Port, Previous: previous}, nil
}

// RollbackRequest identifies the pair to restore.
type RollbackRequest struct {
	ProjectName string
	Environment domain.Environment
	Actor       string
}

// RollbackResult reports the restored slot. NoOp is set when a repeated
// rollback found nothing left to undo.
type RollbackResult struct {
	Slot domain.SlotRole
	Port int
	NoOp bool
}

// Rollback restores the grace slot to active and empties the demoted slot.
// After the grace window expires the rollback is refused with no state change.
// Calling it again after a completed rollback is a no-op.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	started := s.now()
	var result *RollbackResult
	var demotedName string
	err := s.withRetry(func() error {
		r, name, err := s.rollbackOnce(ctx, req)
		if err != nil {
			return err
		}
		result = r
		demotedName = name
		return nil
	})
	s.finish(ctx, "rollback", req.Actor, req.ProjectName, req.Environment, slotOfRollback(result), "", "", started, err)
	if err != nil {
		return nil, err
	}
	if result.NoOp {
		return result, nil
	}
	if demotedName != "" {
		if rerr := s.runtime.Remove(ctx, demotedName); rerr != nil {
			s.log.Warn("demoted container removal failed", "container", demotedName, "error", rerr)
		}
	}
	if s.routing != nil {
		if rerr := s.routing.UpdateRoute(ctx, req.ProjectName, req.Environment, result.Port); rerr != nil {
			return result, fmt.Errorf("rolled back to %s but routing update failed: %w", result.Slot, rerr)
		}
	}
	return result, nil
}

func (s *Service) rollbackOnce(ctx context.Context, req RollbackRequest) (*RollbackResult, string, error) {
	pair, err := s.registry.Get(ctx, req.ProjectName, req.Environment)
	if err != nil {
		return nil, "", err
	}
	expected := pair.LastUpdated
	graceRole := domain.RoleNone
	for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
		if pair.Slot(role).State == domain.StateGrace {
			graceRole = role
			break
		}
	}
	if graceRole == domain.RoleNone {
		if pair.ActiveSlot != domain.RoleNone && pair.Slot(pair.ActiveSlot).RolledBackAt != nil {
			return &RollbackResult{Slot: pair.ActiveSlot, Port: pair.Slot(pair.ActiveSlot).Port, NoOp: true}, "", nil
		}
		return nil, "", &domain.InvalidTransitionError{
			Project:     req.ProjectName,
			Environment: req.Environment,
			Reason:      "no grace slot to roll back to",
		}
	}
	graceSlot := pair.Slot(graceRole)
	now := s.now()
	if graceSlot.GraceExpired(now) {
		return nil, "", &domain.GraceExpiredError{
			Project:     req.ProjectName,
			Environment: req.Environment,
			Slot:        graceRole,
			ExpiredAt:   *graceSlot.GraceExpiresAt,
		}
	}

	demoted := pair.ActiveSlot
	demotedName := ""
	if demoted != domain.RoleNone {
		demotedName = domain.ContainerName(req.ProjectName, req.Environment, demoted)
		pair.Slot(demoted).Reset()
	}
	graceSlot.State = domain.StateActive
	graceSlot.GraceExpiresAt = nil
	graceSlot.RolledBackAt = &now
	graceSlot.RolledBackBy = req.Actor
	pair.ActiveSlot = graceRole
	if err := s.registry.Upsert(ctx, pair, expected); err != nil {
		return nil, "", err
	}
	return &RollbackResult{Slot: graceRole, Port: graceSlot.Port}, demotedName, nil
}

// Cleanup force-releases the pair's grace slot regardless of expiry, freeing
// its port and removing its container. A pair with no grace slot is a no-op.
func (s *Service) Cleanup(ctx context.Context, project string, env domain.Environment, actor string) (bool, error) {
	started := s.now()
	var removed []string
	var changed bool
	err := s.withRetry(func() error {
		pair, err := s.registry.Get(ctx, project, env)
		if err != nil {
			return err
		}
		expected := pair.LastUpdated
		removed = removed[:0]
		changed = false
		for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
			slot := pair.Slot(role)
			if slot.State != domain.StateGrace {
				continue
			}
			removed = append(removed, domain.ContainerName(project, env, role))
			slot.Reset()
			changed = true
		}
		if !changed {
			return nil
		}
		return s.registry.Upsert(ctx, pair, expected)
	})
	s.finish(ctx, "cleanup", actor, project, env, domain.RoleNone, "", "", started, err)
	if err != nil {
		return false, err
	}
	for _, name := range removed {
		if rerr := s.runtime.Remove(ctx, name); rerr != nil {
			s.log.Warn("grace container removal failed", "container", name, "error", rerr)
		}
	}
	return changed, nil
}

// withRetry re-runs fn when the registry reports a stale read. Each retry
// starts from a fresh read inside fn.
func (s *Service) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrRegistryConflict) {
			return err
		}
		s.log.Debug("registry conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func (s *Service) step(deployID, step string, data progress.EventData) {
	if s.progress == nil || deployID == "" {
		return
	}
	data.Step = step
	s.progress.Publish(progress.Event{Type: progress.EventStep, DeployID: deployID, Data: data})
}

// finish records the audit entry, the metric sample, and the terminal progress
// event for one operation.
func (s *Service) finish(ctx context.Context, action, actor, project string, env domain.Environment, slot domain.SlotRole, deployID, preview string, started time.Time, err error) {
	duration := s.now().Sub(started)
	if s.metrics != nil {
		s.metrics.Observe(action, err == nil, duration)
	}
	entry := domain.AuditEntry{
		Actor:       actor,
		Action:      action,
		ProjectName: project,
		Environment: env,
		Slot:        slot,
		Success:     err == nil,
		Duration:    duration,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if s.audit != nil {
		s.audit.Record(ctx, entry)
	}
	if s.progress != nil && deployID != "" {
		if err != nil {
			s.progress.Publish(progress.Event{
				Type:     progress.EventError,
				DeployID: deployID,
				Data:     progress.EventData{Error: err.Error(), Duration: duration.Seconds()},
			})
		} else if action == "deploy" {
			s.progress.Publish(progress.Event{
				Type:     progress.EventComplete,
				DeployID: deployID,
				Data:     progress.EventData{Slot: string(slot), PreviewURL: preview, Duration: duration.Seconds()},
			})
		}
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "operation finished",
		"action", action,
		"project", project,
		"environment", env,
		"slot", slot,
		"success", err == nil,
		"duration", duration)
}

func slotOf(r *DeployResult) domain.SlotRole {
	if r == nil {
		return domain.RoleNone
	}
	return r.Slot
}

func previewOf(r *DeployResult) string {
	if r == nil {
		return ""
	}
	return r.PreviewURL
}

func slotOfPromote(r *PromoteResult) domain.SlotRole {
	if r == nil {
		return domain.RoleNone
	}
	return r.Slot
}

func slotOfRollback(r *RollbackResult) domain.SlotRole {
	if r == nil {
		return domain.RoleNone
	}
	return r.Slot
}
