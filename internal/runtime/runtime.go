// Package runtime holds the external collaborators that actually run
// containers. The orchestrator only sees the Runtime interface; provider
// selection and transport fallbacks stay on this side of the boundary.
package runtime

import "context"

// StartRequest describes a slot container to launch.
type StartRequest struct {
	ContainerName string
	Image         string
	HostPort      int
	ContainerPort int
	EnvFile       string
	Network       string
	Unit          string
}

// Container is a running container observed on the host.
type Container struct {
	ID       string
	Name     string
	Image    string
	Status   string
	HostPort int
	Labels   map[string]string
}

// Runtime abstracts the container host.
type Runtime interface {
	// Name identifies the provider for logs and errors.
	Name() string
	// Start launches the described container.
	Start(ctx context.Context, req StartRequest) error
	// Stop stops a container by name.
	Stop(ctx context.Context, containerName string) error
	// Remove stops and deletes a container by name.
	Remove(ctx context.Context, containerName string) error
	// ListContainers enumerates running containers.
	ListContainers(ctx context.Context) ([]Container, error)
	// NetworkExists reports whether the named network is present.
	NetworkExists(ctx context.Context, name string) (bool, error)
	// MajorVersion reports the runtime's major version for the compat matrix.
	MajorVersion(ctx context.Context) (int, error)
}
