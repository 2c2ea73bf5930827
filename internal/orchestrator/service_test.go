package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/ports"
	"github.com/cutover-io/cutover/internal/progress"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository"
	"github.com/cutover-io/cutover/internal/repository/memory"
	"github.com/cutover-io/cutover/internal/runtime"
)

type fakeRuntime struct {
	mu       sync.Mutex
	running  map[string]runtime.StartRequest
	major    int
	networks map[string]bool
	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running:  make(map[string]runtime.StartRequest),
		major:    5,
		networks: map[string]bool{"cutover": true},
	}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Start(_ context.Context, req runtime.StartRequest) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[req.ContainerName] = req
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeRuntime) ListContainers(context.Context) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.Container, 0, len(f.running))
	for name, req := range f.running {
		out = append(out, runtime.Container{Name: name, Image: req.Image, HostPort: req.HostPort, Status: "running"})
	}
	return out, nil
}

func (f *fakeRuntime) NetworkExists(_ context.Context, name string) (bool, error) {
	return f.networks[name], nil
}

func (f *fakeRuntime) MajorVersion(context.Context) (int, error) { return f.major, nil }

func (f *fakeRuntime) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[name]
	return ok
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Wait(context.Context, string) error { return f.err }

type fakeRecorder struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeRecorder) Record(_ context.Context, entry domain.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeRecorder) last(t *testing.T) domain.AuditEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return f.entries[len(f.entries)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (f *fakePublisher) Publish(event progress.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.Type == progress.EventStep {
			out = append(out, ev.Data.Step)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	reg    *registry.Service
	rt     *fakeRuntime
	health *fakeHealth
	audit  *fakeRecorder
	pub    *fakePublisher
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(memory.New(), log, 0)
	rt := newFakeRuntime()
	health := &fakeHealth{}
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	svc := New(reg, rt, health, rec, pub, nil, nil, log, Config{
		GracePeriod:     6 * time.Hour,
		ConflictRetries: 3,
		Network:         "cutover",
	})
	// Grace expiries are validated against the wall clock at commit time, so
	// the fake clock starts at real now and only moves forward.
	now := time.Now().UTC()
	clock := &now
	svc.now = func() time.Time { return *clock }
	return &fixture{svc: svc, reg: reg, rt: rt, health: health, audit: rec, pub: pub, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) deploy(t *testing.T, project string, env domain.Environment) *DeployResult {
	t.Helper()
	result, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: project,
		Environment: env,
		Image:       "registry.example.com/" + project + ":v1",
		Version:     "v1",
		Actor:       "alice",
		DeployID:    "d-" + project,
	})
	if err != nil {
		t.Fatalf("deploy %s/%s failed: %v", project, env, err)
	}
	return result
}

func (f *fixture) pair(t *testing.T, project string, env domain.Environment) *domain.SlotPair {
	t.Helper()
	pair, err := f.reg.Get(context.Background(), project, env)
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	return pair
}

func TestDeployToEmptyPairTargetsBlue(t *testing.T) {
	f := newFixture(t)
	result := f.deploy(t, "demo", domain.EnvStaging)

	if result.Slot != domain.RoleBlue {
		t.Fatalf("expected first deploy to land on blue, got %s", result.Slot)
	}
	if result.Port < 3000 || result.Port > 3249 {
		t.Fatalf("port %d outside staging blue range", result.Port)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.State != domain.StateDeployed {
		t.Fatalf("blue state = %s, want deployed", pair.Blue.State)
	}
	if pair.ActiveSlot != domain.RoleNone {
		t.Fatalf("deploy must not flip traffic, activeSlot = %s", pair.ActiveSlot)
	}
	if !f.rt.has("demo-blue-staging") {
		t.Fatal("container was not started")
	}
	steps := f.pub.steps()
	want := []string{"allocate_port", "generate_unit", "start_container", "health_check", "commit"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step[%d] = %s, want %s", i, steps[i], want[i])
		}
	}
}

func TestDeployCompleteEventCarriesPreviewURL(t *testing.T) {
	f := newFixture(t)
	result := f.deploy(t, "demo", domain.EnvStaging)
	if result.PreviewURL == "" {
		t.Fatal("deploy result missing preview url")
	}

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	for _, ev := range f.pub.events {
		if ev.Type != progress.EventComplete {
			continue
		}
		if ev.Data.PreviewURL != result.PreviewURL {
			t.Fatalf("complete event preview = %q, want %q", ev.Data.PreviewURL, result.PreviewURL)
		}
		return
	}
	t.Fatal("no complete event published")
}

func TestPromoteFlipsTrafficAndOpensGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	if _, err := f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging, Actor: "alice"}); err != nil {
		t.Fatalf("first promote failed: %v", err)
	}

	// Second release goes to green, then promotes over blue.
	f.deploy(t, "demo", domain.EnvStaging)
	result, err := f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging, Actor: "alice"})
	if err != nil {
		t.Fatalf("second promote failed: %v", err)
	}
	if result.Slot != domain.RoleGreen || result.Previous != domain.RoleBlue {
		t.Fatalf("unexpected promote result: %+v", result)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.ActiveSlot != domain.RoleGreen {
		t.Fatalf("activeSlot = %s, want green", pair.ActiveSlot)
	}
	if pair.Blue.State != domain.StateGrace {
		t.Fatalf("blue state = %s, want grace", pair.Blue.State)
	}
	if pair.Blue.GraceExpiresAt == nil || !pair.Blue.GraceExpiresAt.After(f.svc.now()) {
		t.Fatal("grace expiry must lie in the future")
	}
}

func TestPromoteRequiresHealthySlot(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	pair := f.pair(t, "demo", domain.EnvStaging)
	pair.Blue.HealthStatus = domain.HealthUnhealthy
	if err := f.reg.Upsert(context.Background(), pair, pair.LastUpdated); err != nil {
		t.Fatalf("seed unhealthy slot: %v", err)
	}

	_, err := f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestRollbackWithinGraceWindowRestoresPreviousActive(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	f.advance(time.Hour)
	result, err := f.svc.Rollback(context.Background(), RollbackRequest{ProjectName: "demo", Environment: domain.EnvStaging, Actor: "bob"})
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if result.Slot != domain.RoleBlue {
		t.Fatalf("restored slot = %s, want blue", result.Slot)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.ActiveSlot != domain.RoleBlue || pair.Blue.State != domain.StateActive {
		t.Fatalf("blue should be active again: activeSlot=%s blue=%s", pair.ActiveSlot, pair.Blue.State)
	}
	if pair.Green.State != domain.StateEmpty || pair.Green.Port != 0 {
		t.Fatalf("demoted green should be empty with port freed: %+v", pair.Green)
	}
	if f.rt.has("demo-green-staging") {
		t.Fatal("demoted container should be removed")
	}
}

func TestRollbackAfterGraceExpiryIsRefusedWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	before := f.pair(t, "demo", domain.EnvStaging)
	f.advance(7 * time.Hour)
	_, err := f.svc.Rollback(context.Background(), RollbackRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	var expired *domain.GraceExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected GraceExpiredError, got %v", err)
	}
	after := f.pair(t, "demo", domain.EnvStaging)
	if after.ActiveSlot != before.ActiveSlot || after.Blue.State != before.Blue.State || after.Green.State != before.Green.State {
		t.Fatal("refused rollback must not change state")
	}
}

func TestRollbackTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	first, err := f.svc.Rollback(context.Background(), RollbackRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	if err != nil {
		t.Fatalf("first rollback failed: %v", err)
	}
	second, err := f.svc.Rollback(context.Background(), RollbackRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	if err != nil {
		t.Fatalf("second rollback should be a no-op, got %v", err)
	}
	if !second.NoOp || second.Slot != first.Slot {
		t.Fatalf("second rollback = %+v, want no-op on %s", second, first.Slot)
	}
}

func TestDeployFailedHealthCheckLeavesSlotDeployedUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.health.err = domain.ErrHealthCheckTimeout

	_, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		Image:       "registry.example.com/demo:v1",
		DeployID:    "d-1",
	})
	if !errors.Is(err, domain.ErrHealthCheckTimeout) {
		t.Fatalf("expected health timeout, got %v", err)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.State != domain.StateDeployed || pair.Blue.HealthStatus != domain.HealthUnhealthy {
		t.Fatalf("failed manual deploy should leave slot deployed/unhealthy, got %s/%s", pair.Blue.State, pair.Blue.HealthStatus)
	}
	entry := f.audit.last(t)
	if entry.Action != "deploy" || entry.Success {
		t.Fatalf("audit should record the failed deploy: %+v", entry)
	}

	// The unhealthy standby is overwritten by the next deploy.
	f.health.err = nil
	result := f.deploy(t, "demo", domain.EnvStaging)
	if result.Slot != domain.RoleBlue {
		t.Fatalf("redeploy should overwrite blue, got %s", result.Slot)
	}
	pair = f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.HealthStatus != domain.HealthHealthy {
		t.Fatalf("overwritten slot should be healthy, got %s", pair.Blue.HealthStatus)
	}
}

func TestAutoPromoteFailedHealthCheckLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t)
	f.health.err = domain.ErrHealthCheckTimeout

	_, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		Image:       "registry.example.com/demo:v1",
		AutoPromote: true,
	})
	if !errors.Is(err, domain.ErrHealthCheckTimeout) {
		t.Fatalf("expected health timeout, got %v", err)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.State != domain.StateEmpty {
		t.Fatalf("failed auto-promote deploy must leave slot empty, got %s", pair.Blue.State)
	}
	if f.rt.has("demo-blue-staging") {
		t.Fatal("failed deployment's container should be stopped")
	}
}

func TestDeployBlockedWhileStandbyInGrace(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	// Standby is now blue, which sits in its grace window.
	_, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		Image:       "registry.example.com/demo:v3",
	})
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for grace standby, got %v", err)
	}
}

func TestDeployReusesSlotPortAcrossRedeploys(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "demo", domain.EnvStaging)
	second := f.deploy(t, "demo", domain.EnvStaging)
	if first.Port != second.Port {
		t.Fatalf("redeploy to same slot should keep port %d, got %d", first.Port, second.Port)
	}
}

func TestAutoPromoteDeploysThenFlips(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: "demo",
		Environment: domain.EnvProduction,
		Image:       "registry.example.com/demo:v1",
		AutoPromote: true,
	})
	if err != nil {
		t.Fatalf("auto-promote deploy failed: %v", err)
	}
	if !result.Promoted {
		t.Fatal("result should report promotion")
	}
	pair := f.pair(t, "demo", domain.EnvProduction)
	if pair.ActiveSlot != domain.RoleBlue {
		t.Fatalf("activeSlot = %s, want blue", pair.ActiveSlot)
	}
	if pair.Blue.Port < 4000 || pair.Blue.Port > 4249 {
		t.Fatalf("port %d outside production blue range", pair.Blue.Port)
	}
}

func TestSweepReleasesExpiredGraceSlots(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	f.advance(7 * time.Hour)
	released, err := f.svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.State != domain.StateEmpty {
		t.Fatalf("expired grace slot should be empty, got %s", pair.Blue.State)
	}
	if f.rt.has("demo-blue-staging") {
		t.Fatal("expired grace container should be removed")
	}
}

func TestCleanupForceReleasesGraceSlot(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})
	f.deploy(t, "demo", domain.EnvStaging)
	f.svc.Promote(context.Background(), PromoteRequest{ProjectName: "demo", Environment: domain.EnvStaging})

	changed, err := f.svc.Cleanup(context.Background(), "demo", domain.EnvStaging, "alice")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !changed {
		t.Fatal("cleanup should have released the grace slot")
	}
	pair := f.pair(t, "demo", domain.EnvStaging)
	if pair.Blue.State != domain.StateEmpty {
		t.Fatalf("grace slot should be empty after cleanup, got %s", pair.Blue.State)
	}
	changed, err = f.svc.Cleanup(context.Background(), "demo", domain.EnvStaging, "alice")
	if err != nil || changed {
		t.Fatalf("repeated cleanup should be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestMissingNetworkCarriesRemediation(t *testing.T) {
	f := newFixture(t)
	f.rt.networks["cutover"] = false

	_, err := f.svc.Deploy(context.Background(), DeployRequest{
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		Image:       "registry.example.com/demo:v1",
	})
	var missing *domain.NetworkMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected NetworkMissingError, got %v", err)
	}
	if missing.Remediation == "" {
		t.Fatal("remediation command must be populated")
	}
}

// TestRandomizedOperationSequenceKeepsInvariants drives a random walk of
// operations over several projects and re-validates the pair invariants and
// port-range ownership after every step.
func TestRandomizedOperationSequenceKeepsInvariants(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	projects := []string{"api", "web", "worker"}
	envs := []domain.Environment{domain.EnvStaging, domain.EnvProduction, domain.EnvPreview}
	ctx := context.Background()

	for step := 0; step < 300; step++ {
		project := projects[rng.Intn(len(projects))]
		env := envs[rng.Intn(len(envs))]
		switch rng.Intn(5) {
		case 0:
			f.svc.Deploy(ctx, DeployRequest{ProjectName: project, Environment: env, Image: "img:v1", Version: "v1"})
		case 1:
			f.svc.Promote(ctx, PromoteRequest{ProjectName: project, Environment: env})
		case 2:
			f.svc.Rollback(ctx, RollbackRequest{ProjectName: project, Environment: env})
		case 3:
			f.advance(time.Duration(rng.Intn(180)) * time.Minute)
			f.svc.SweepExpired(ctx)
		case 4:
			f.svc.Cleanup(ctx, project, env, "rng")
		}
		f.checkInvariants(t, step)
	}
}

func (f *fixture) checkInvariants(t *testing.T, step int) {
	t.Helper()
	ctx := context.Background()
	for _, env := range []domain.Environment{domain.EnvStaging, domain.EnvProduction, domain.EnvPreview} {
		seen := make(map[int]string)
		pairs, err := f.reg.List(ctx, repository.PairFilter{Environment: env})
		if err != nil {
			t.Fatalf("step %d: list pairs: %v", step, err)
		}
		for i := range pairs {
			pair := pairs[i]
			activeCount := 0
			var activeRole domain.SlotRole
			for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
				slot := pair.Slot(role)
				if slot.State == domain.StateActive {
					activeCount++
					activeRole = role
				}
				if slot.State == domain.StateGrace && slot.GraceExpiresAt == nil {
					t.Fatalf("step %d: %s/%s/%s grace slot without expiry", step, pair.ProjectName, env, role)
				}
			}
			if activeCount > 1 {
				t.Fatalf("step %d: %s/%s has two active slots", step, pair.ProjectName, env)
			}
			if activeCount == 1 && pair.ActiveSlot != activeRole {
				t.Fatalf("step %d: %s/%s activeSlot %q does not match active role %q", step, pair.ProjectName, env, pair.ActiveSlot, activeRole)
			}
			if activeCount == 0 && pair.ActiveSlot != domain.RoleNone {
				t.Fatalf("step %d: %s/%s activeSlot set but no slot active", step, pair.ProjectName, env)
			}
			for _, role := range []domain.SlotRole{domain.RoleBlue, domain.RoleGreen} {
				slot := pair.Slot(role)
				if !slot.Occupied() {
					continue
				}
				r, ok := ports.RangeFor(env, role)
				if !ok || !r.Contains(slot.Port) {
					t.Fatalf("step %d: %s/%s/%s port %d outside its sub-range", step, pair.ProjectName, env, role, slot.Port)
				}
				if owner, taken := seen[slot.Port]; taken {
					t.Fatalf("step %d: port %d shared by %s and %s in %s", step, slot.Port, owner, pair.ProjectName, env)
				}
				seen[slot.Port] = pair.ProjectName
			}
		}
	}
}
