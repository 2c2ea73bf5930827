package legacy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository/memory"
	"github.com/cutover-io/cutover/internal/runtime"
)

type staticRuntime struct {
	containers []runtime.Container
}

func (s *staticRuntime) Name() string                                   { return "static" }
func (s *staticRuntime) Start(context.Context, runtime.StartRequest) error { return nil }
func (s *staticRuntime) Stop(context.Context, string) error             { return nil }
func (s *staticRuntime) Remove(context.Context, string) error           { return nil }
func (s *staticRuntime) NetworkExists(context.Context, string) (bool, error) {
	return true, nil
}
func (s *staticRuntime) MajorVersion(context.Context) (int, error) { return 5, nil }
func (s *staticRuntime) ListContainers(context.Context) ([]runtime.Container, error) {
	return s.containers, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseContainerName(t *testing.T) {
	cases := []struct {
		name    string
		project string
		env     domain.Environment
		pr      int
		ok      bool
	}{
		{"myapp-production", "myapp", domain.EnvProduction, 0, true},
		{"myapp-prod", "myapp", domain.EnvProduction, 0, true},
		{"myapp-staging", "myapp", domain.EnvStaging, 0, true},
		{"my-app-staging", "my-app", domain.EnvStaging, 0, true},
		{"myapp-pr-42", "myapp", domain.EnvPreview, 42, true},
		{"demo-blue-staging", "demo", domain.EnvStaging, 0, true},
		{"demo-green-production", "demo", domain.EnvProduction, 0, true},
		{"redis", "", "", 0, false},
		{"some_random_thing", "", "", 0, false},
	}
	for _, tc := range cases {
		got := ParseContainerName(tc.name)
		if got.Recognized != tc.ok {
			t.Errorf("%s: recognized = %v, want %v", tc.name, got.Recognized, tc.ok)
			continue
		}
		if !tc.ok {
			continue
		}
		if got.ProjectName != tc.project || got.Environment != tc.env || got.PRNumber != tc.pr {
			t.Errorf("%s: got (%s, %s, %d), want (%s, %s, %d)",
				tc.name, got.ProjectName, got.Environment, got.PRNumber, tc.project, tc.env, tc.pr)
		}
	}
}

func TestScanClassifiesRawRuntime(t *testing.T) {
	reg := registry.New(memory.New(), testLogger(), 0)
	rt := &staticRuntime{containers: []runtime.Container{
		{Name: "myapp-production", Image: "myapp:latest", HostPort: 4012, Status: "running"},
	}}
	det := NewDetector(reg, rt, Paths{}, testLogger())

	system, containers, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if system != domain.SystemRawRuntime {
		t.Fatalf("system = %s, want raw-runtime", system)
	}
	if len(containers) != 1 || !containers[0].Recognized {
		t.Fatalf("unexpected containers: %+v", containers)
	}
}

func TestScanPrefersSlotBasedWhenRegistryPopulated(t *testing.T) {
	reg := registry.New(memory.New(), testLogger(), 0)
	if _, err := reg.GetOrRegister(context.Background(), "demo", domain.EnvStaging); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	det := NewDetector(reg, &staticRuntime{}, Paths{}, testLogger())

	system, _, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if system != domain.SystemSlotBased {
		t.Fatalf("system = %s, want slot-based", system)
	}
}

func TestScanDetectsLegacyRegistryFile(t *testing.T) {
	dir := t.TempDir()
	registryFile := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(registryFile, []byte(`{"projects":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(memory.New(), testLogger(), 0)
	det := NewDetector(reg, &staticRuntime{}, Paths{RegistryFile: registryFile}, testLogger())

	system, _, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if system != domain.SystemRegistry {
		t.Fatalf("system = %s, want registry-based", system)
	}
}

func TestPlanReusesLivePortInsideCorrectSubRange(t *testing.T) {
	planner := NewPlanner(Paths{}, testLogger())
	containers := []domain.DiscoveredContainer{
		{Name: "myapp-production", ProjectName: "myapp", Environment: domain.EnvProduction, Port: 4012, Status: "running", Recognized: true},
	}

	plan := planner.Plan(domain.SystemRawRuntime, containers)
	if len(plan.Projects) != 1 {
		t.Fatalf("projects = %d, want 1", len(plan.Projects))
	}
	project := plan.Projects[0]
	if project.Blocked() {
		t.Fatalf("unexpected blockers: %+v", project.Blockers)
	}
	if project.BluePort != 4012 {
		t.Fatalf("blue port = %d, want reused 4012", project.BluePort)
	}
	if project.GreenPort != 4250 {
		t.Fatalf("green port = %d, want first free 4250", project.GreenPort)
	}
}

func TestPlanThreadsOneUsedSetAcrossProjects(t *testing.T) {
	planner := NewPlanner(Paths{}, testLogger())
	containers := []domain.DiscoveredContainer{
		{Name: "api-production", ProjectName: "api", Environment: domain.EnvProduction, Port: 8080, Status: "running", Recognized: true},
		{Name: "web-production", ProjectName: "web", Environment: domain.EnvProduction, Port: 8081, Status: "running", Recognized: true},
	}

	plan := planner.Plan(domain.SystemRawRuntime, containers)
	seen := map[int]bool{}
	for _, project := range plan.Projects {
		if project.Blocked() {
			t.Fatalf("unexpected blockers for %s: %+v", project.ProjectName, project.Blockers)
		}
		for _, port := range []int{project.BluePort, project.GreenPort} {
			if seen[port] {
				t.Fatalf("port %d allocated twice across the plan", port)
			}
			seen[port] = true
		}
	}
}

func TestPlanBlocksUnrecognizedAndStoppedContainersPerProject(t *testing.T) {
	planner := NewPlanner(Paths{}, testLogger())
	containers := []domain.DiscoveredContainer{
		{Name: "redis"},
		{Name: "api-staging", ProjectName: "api", Environment: domain.EnvStaging, Port: 3000, Status: "exited", Recognized: true},
		{Name: "web-staging", ProjectName: "web", Environment: domain.EnvStaging, Port: 3001, Status: "running", Recognized: true},
	}

	plan := planner.Plan(domain.SystemRawRuntime, containers)
	if len(plan.Projects) != 3 {
		t.Fatalf("projects = %d, want 3", len(plan.Projects))
	}
	migratable := plan.Migratable()
	if len(migratable) != 1 || migratable[0].ProjectName != "web" {
		t.Fatalf("migratable = %+v, want only web", migratable)
	}
	blocked := 0
	for _, project := range plan.Projects {
		if project.Blocked() {
			blocked++
			if len(project.Blockers) != 1 {
				t.Fatalf("expected one blocker per blocked project, got %+v", project.Blockers)
			}
		}
	}
	if blocked != 2 {
		t.Fatalf("blocked = %d, want 2", blocked)
	}
}

func TestPlanStepsCarryRollbackBeforeHealthCheck(t *testing.T) {
	planner := NewPlanner(Paths{}, testLogger())
	containers := []domain.DiscoveredContainer{
		{Name: "myapp-production", ProjectName: "myapp", Environment: domain.EnvProduction, Port: 4012, Status: "running", Recognized: true},
	}

	plan := planner.Plan(domain.SystemRawRuntime, containers)
	steps := plan.Projects[0].Steps
	if len(steps) == 0 {
		t.Fatal("expected migration steps")
	}
	healthIdx := -1
	for i, step := range steps {
		if step.Order != i+1 {
			t.Fatalf("step %q order = %d, want %d", step.Name, step.Order, i+1)
		}
		if step.Status != domain.StepPending {
			t.Fatalf("step %q status = %s, want pending", step.Name, step.Status)
		}
		if step.Name == "health_check" {
			healthIdx = i
		}
	}
	if healthIdx < 0 {
		t.Fatal("plan has no health_check step")
	}
	for i, step := range steps {
		if i < healthIdx && (!step.Rollbackable || step.Rollback == "") {
			t.Fatalf("step %q before health check must carry a rollback command", step.Name)
		}
		if i >= healthIdx && step.Rollbackable {
			t.Fatalf("step %q at or after health check must not be rollbackable", step.Name)
		}
	}
}
