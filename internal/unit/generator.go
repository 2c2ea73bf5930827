// Package unit turns slot descriptors into container unit definitions and
// adapts them to the feature set of the runtime version found on the host.
package unit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
)

// Spec describes the slot a unit is generated for.
type Spec struct {
	ProjectName    string
	Environment    domain.Environment
	Role           domain.SlotRole
	Image          string
	Port           int
	ContainerPort  int
	EnvFile        string
	Volumes        []string
	Network        string
	HealthCmd      string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthRetries  int
	ExtraArgs      []string
}

// Defaults applied when a Spec leaves health parameters unset.
const (
	defaultContainerPort  = 8080
	defaultHealthInterval = 5 * time.Second
	defaultHealthTimeout  = 3 * time.Second
	defaultHealthRetries  = 3
)

// Generate renders a quadlet-style unit definition for the slot. The output
// always targets the newest key set; Convert adapts it for older runtimes.
func Generate(spec Spec) (string, error) {
	if strings.TrimSpace(spec.ProjectName) == "" {
		return "", fmt.Errorf("project name required")
	}
	if !spec.Role.Valid() {
		return "", fmt.Errorf("slot role required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image required")
	}
	if spec.Port <= 0 {
		return "", fmt.Errorf("host port required")
	}
	containerPort := spec.ContainerPort
	if containerPort <= 0 {
		containerPort = defaultContainerPort
	}
	interval := spec.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	timeout := spec.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	retries := spec.HealthRetries
	if retries <= 0 {
		retries = defaultHealthRetries
	}
	name := domain.ContainerName(spec.ProjectName, spec.Environment, spec.Role)

	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s %s slot (%s)\n", spec.ProjectName, spec.Role, spec.Environment)
	fmt.Fprintf(&b, "\n[Container]\n")
	fmt.Fprintf(&b, "ContainerName=%s\n", name)
	fmt.Fprintf(&b, "Image=%s\n", spec.Image)
	fmt.Fprintf(&b, "PublishPort=%d:%d\n", spec.Port, containerPort)
	if spec.EnvFile != "" {
		fmt.Fprintf(&b, "EnvironmentFile=%s\n", spec.EnvFile)
	}
	volumes := append([]string(nil), spec.Volumes...)
	sort.Strings(volumes)
	for _, volume := range volumes {
		fmt.Fprintf(&b, "Volume=%s\n", volume)
	}
	if spec.Network != "" {
		fmt.Fprintf(&b, "Network=%s\n", spec.Network)
	}
	healthCmd := spec.HealthCmd
	if healthCmd == "" {
		healthCmd = fmt.Sprintf("curl -fsS http://localhost:%d/health", containerPort)
	}
	fmt.Fprintf(&b, "HealthCmd=%s\n", healthCmd)
	fmt.Fprintf(&b, "HealthInterval=%s\n", formatDuration(interval))
	fmt.Fprintf(&b, "HealthTimeout=%s\n", formatDuration(timeout))
	fmt.Fprintf(&b, "HealthRetries=%d\n", retries)
	fmt.Fprintf(&b, "AutoUpdate=registry\n")
	if len(spec.ExtraArgs) > 0 {
		fmt.Fprintf(&b, "PodmanArgs=%s\n", strings.Join(spec.ExtraArgs, " "))
	}
	fmt.Fprintf(&b, "\n[Service]\nRestart=always\n")
	fmt.Fprintf(&b, "\n[Install]\nWantedBy=default.target\n")
	return b.String(), nil
}

func formatDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}

// FileName returns the unit file name for a slot.
func FileName(project string, env domain.Environment, role domain.SlotRole) string {
	return domain.ContainerName(project, env, role) + ".container"
}
