package unit

import (
	"context"
	"fmt"
	"strings"

	"github.com/cutover-io/cutover/internal/domain"
)

// baselineKeys are the [Container] keys every supported runtime major accepts.
var baselineKeys = map[string]struct{}{
	"ContainerName":   {},
	"Image":           {},
	"PublishPort":     {},
	"EnvironmentFile": {},
	"Environment":     {},
	"Volume":          {},
	"Network":         {},
	"Exec":            {},
	"Label":           {},
	"PodmanArgs":      {},
}

// modernKeys were added with runtime major 5; on older majors they must be
// rewritten into low-level arguments.
var modernKeys = map[string]struct{}{
	"HealthCmd":         {},
	"HealthInterval":    {},
	"HealthTimeout":     {},
	"HealthRetries":     {},
	"HealthStartPeriod": {},
	"AutoUpdate":        {},
	"Pull":              {},
}

const modernMajor = 5

// argFor maps a modern key to its low-level argument form.
func argFor(key, value string) string {
	switch key {
	case "HealthCmd":
		return fmt.Sprintf("--health-cmd=%q", value)
	case "HealthInterval":
		return "--health-interval=" + value
	case "HealthTimeout":
		return "--health-timeout=" + value
	case "HealthRetries":
		return "--health-retries=" + value
	case "HealthStartPeriod":
		return "--health-start-period=" + value
	case "AutoUpdate":
		return "--label=io.containers.autoupdate=" + value
	case "Pull":
		return "--pull=" + value
	default:
		return ""
	}
}

// Warning reports a key that was rewritten for an older runtime.
type Warning struct {
	Key      string
	Argument string
}

func (w Warning) String() string {
	return fmt.Sprintf("key %s unsupported by runtime, rewritten as %s", w.Key, w.Argument)
}

// Supported reports whether the runtime major accepts the key directly.
func Supported(key string, runtimeMajor int) bool {
	if _, ok := baselineKeys[key]; ok {
		return true
	}
	if _, ok := modernKeys[key]; ok {
		return runtimeMajor >= modernMajor
	}
	return false
}

// Convert adapts unit content to the detected runtime major version. Keys the
// runtime does not support are removed from the [Container] section and their
// low-level argument forms merged into a single PodmanArgs line, without
// duplicating arguments already present. Convert is a pure function of
// (content, runtimeMajor) and is idempotent: already-compatible content comes
// back unchanged.
func Convert(content string, runtimeMajor int) (string, []Warning, error) {
	lines := strings.Split(content, "\n")
	var (
		out         []string
		warnings    []Warning
		pendingArgs []string
		existing    []string
		section     string
		argsLineIdx = -1
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			section = trimmed
			out = append(out, line)
			continue
		}
		if section != "[Container]" || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		key, value, found := strings.Cut(trimmed, "=")
		if !found {
			out = append(out, line)
			continue
		}
		key = strings.TrimSpace(key)
		if key == "PodmanArgs" {
			existing = splitArgs(value)
			argsLineIdx = len(out)
			out = append(out, line)
			continue
		}
		if Supported(key, runtimeMajor) {
			out = append(out, line)
			continue
		}
		arg := argFor(key, strings.TrimSpace(value))
		if arg == "" {
			return "", nil, fmt.Errorf("no argument mapping for unsupported key %s", key)
		}
		pendingArgs = append(pendingArgs, arg)
		warnings = append(warnings, Warning{Key: key, Argument: arg})
	}
	if len(pendingArgs) == 0 {
		return content, nil, nil
	}
	merged := mergeArgs(existing, pendingArgs)
	argsLine := "PodmanArgs=" + strings.Join(merged, " ")
	if argsLineIdx >= 0 {
		out[argsLineIdx] = argsLine
	} else {
		out = insertIntoContainerSection(out, argsLine)
	}
	return strings.Join(out, "\n"), warnings, nil
}

func splitArgs(raw string) []string {
	fields := strings.Fields(strings.TrimSpace(raw))
	return fields
}

// mergeArgs appends new arguments, skipping exact duplicates.
func mergeArgs(existing, incoming []string) []string {
	merged := append([]string(nil), existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, arg := range existing {
		seen[arg] = struct{}{}
	}
	for _, arg := range incoming {
		if _, dup := seen[arg]; dup {
			continue
		}
		seen[arg] = struct{}{}
		merged = append(merged, arg)
	}
	return merged
}

// insertIntoContainerSection places the args line at the end of [Container].
func insertIntoContainerSection(lines []string, argsLine string) []string {
	inContainer := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "[Container]" {
			inContainer = true
			continue
		}
		if inContainer && strings.HasPrefix(trimmed, "[") {
			// Insert before the blank line preceding the next section.
			insertAt := i
			for insertAt > 0 && strings.TrimSpace(lines[insertAt-1]) == "" {
				insertAt--
			}
			out := append([]string(nil), lines[:insertAt]...)
			out = append(out, argsLine)
			out = append(out, lines[insertAt:]...)
			return out
		}
	}
	return append(lines, argsLine)
}

// NetworkChecker is the runtime-side collaborator consulted for networks.
type NetworkChecker interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
}

// ValidateNetwork confirms the referenced network exists on the target host.
// A missing network is reported with the exact creation command as
// remediation; it is never created implicitly.
func ValidateNetwork(ctx context.Context, checker NetworkChecker, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	exists, err := checker.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if !exists {
		return &domain.NetworkMissingError{
			Network:     name,
			Remediation: "docker network create " + name,
		}
	}
	return nil
}
