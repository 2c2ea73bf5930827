// Package legacy inspects an existing deployment landscape and plans its
// migration onto slot pairs.
package legacy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository"
	"github.com/cutover-io/cutover/internal/runtime"
)

// Naming-convention patterns, most specific first. Anything that matches none
// of them stays unrecognized rather than guessed at.
var (
	slotNamePattern    = regexp.MustCompile(`^([a-z0-9][a-z0-9-]*?)-(blue|green)-(staging|production|preview)$`)
	previewNamePattern = regexp.MustCompile(`^([a-z0-9][a-z0-9-]*?)-pr-(\d+)$`)
	envNamePattern     = regexp.MustCompile(`^([a-z0-9][a-z0-9-]*?)-(production|prod|staging)$`)
)

// Paths points the detector at the artifacts older systems leave behind.
type Paths struct {
	RegistryFile string
	WorkflowDir  string
	ComposeFile  string
	ProxyDir     string
}

// Detector classifies the deployment landscape of a host.
type Detector struct {
	registry *registry.Service
	runtime  runtime.Runtime
	paths    Paths
	log      *slog.Logger
}

// NewDetector constructs a Detector.
func NewDetector(reg *registry.Service, rt runtime.Runtime, paths Paths, log *slog.Logger) *Detector {
	return &Detector{registry: reg, runtime: rt, paths: paths, log: log}
}

// Scan reports the detected system type and every container observed running,
// each annotated with what its name revealed.
func (d *Detector) Scan(ctx context.Context) (domain.SystemType, []domain.DiscoveredContainer, error) {
	containers, err := d.discover(ctx)
	if err != nil {
		return domain.SystemUnknownType, nil, err
	}
	system, err := d.classify(ctx, containers)
	if err != nil {
		return domain.SystemUnknownType, containers, err
	}
	d.log.Info("landscape scanned", "system", system, "containers", len(containers))
	return system, containers, nil
}

func (d *Detector) discover(ctx context.Context) ([]domain.DiscoveredContainer, error) {
	listed, err := d.runtime.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DiscoveredContainer, 0, len(listed))
	for _, c := range listed {
		discovered := ParseContainerName(c.Name)
		discovered.Image = c.Image
		discovered.Port = c.HostPort
		discovered.Status = c.Status
		out = append(out, discovered)
	}
	return out, nil
}

// ParseContainerName infers (project, environment, PR number) from a container
// name. Unmatched names come back with Recognized=false.
func ParseContainerName(name string) domain.DiscoveredContainer {
	if m := slotNamePattern.FindStringSubmatch(name); m != nil {
		env, _ := domain.ParseEnvironment(m[3])
		return domain.DiscoveredContainer{
			Name:        name,
			ProjectName: m[1],
			Environment: env,
			Recognized:  true,
		}
	}
	if m := previewNamePattern.FindStringSubmatch(name); m != nil {
		pr, _ := strconv.Atoi(m[2])
		return domain.DiscoveredContainer{
			Name:        name,
			ProjectName: m[1],
			Environment: domain.EnvPreview,
			PRNumber:    pr,
			Recognized:  true,
		}
	}
	if m := envNamePattern.FindStringSubmatch(name); m != nil {
		env, _ := domain.ParseEnvironment(m[2])
		return domain.DiscoveredContainer{
			Name:        name,
			ProjectName: m[1],
			Environment: env,
			Recognized:  true,
		}
	}
	return domain.DiscoveredContainer{Name: name}
}

// classify walks the closed set of system types from most to least organized.
func (d *Detector) classify(ctx context.Context, containers []domain.DiscoveredContainer) (domain.SystemType, error) {
	pairs, err := d.registry.List(ctx, repository.PairFilter{})
	if err != nil {
		return domain.SystemUnknownType, err
	}
	if len(pairs) > 0 {
		return domain.SystemSlotBased, nil
	}
	if fileExists(d.paths.RegistryFile) {
		return domain.SystemRegistry, nil
	}
	if dirHasFiles(d.paths.WorkflowDir, "*.yml") || dirHasFiles(d.paths.WorkflowDir, "*.yaml") {
		return domain.SystemWorkflow, nil
	}
	if fileExists(d.paths.ComposeFile) {
		return domain.SystemCompose, nil
	}
	if len(containers) > 0 {
		return domain.SystemRawRuntime, nil
	}
	return domain.SystemUnknownType, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirHasFiles(dir, pattern string) bool {
	if dir == "" {
		return false
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	return err == nil && len(matches) > 0
}
