package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime drives a local or remote Docker engine through its SDK.
type DockerRuntime struct {
	inner *client.Client
}

// NewDocker creates a Docker runtime using environment defaults, optionally
// overriding the daemon host.
func NewDocker(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{inner: inner}, nil
}

// Name identifies the provider.
func (d *DockerRuntime) Name() string { return "docker" }

// Ping validates connectivity to the daemon.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if d == nil || d.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Start creates and starts the slot container with its host port binding.
func (d *DockerRuntime) Start(ctx context.Context, req StartRequest) error {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(req.ContainerPort))
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	cfg := &container.Config{
		Image:        req.Image,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			"io.cutover.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(req.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	if req.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(req.Network)
	}
	created, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.ContainerName)
	if err != nil {
		return fmt.Errorf("create container %s: %w", req.ContainerName, err)
	}
	if err := d.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", req.ContainerName, err)
	}
	return nil
}

// Stop stops a container by name.
func (d *DockerRuntime) Stop(ctx context.Context, containerName string) error {
	if err := d.inner.ContainerStop(ctx, containerName, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", containerName, err)
	}
	return nil
}

// Remove stops and deletes a container by name.
func (d *DockerRuntime) Remove(ctx context.Context, containerName string) error {
	err := d.inner.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerName, err)
	}
	return nil
}

// ListContainers enumerates running containers with their first port binding.
func (d *DockerRuntime) ListContainers(ctx context.Context) ([]Container, error) {
	listed, err := d.inner.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(listed))
	for _, c := range listed {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		hostPort := 0
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				hostPort = int(p.PublicPort)
				break
			}
		}
		out = append(out, Container{
			ID:       c.ID,
			Name:     name,
			Image:    c.Image,
			Status:   c.State,
			HostPort: hostPort,
			Labels:   c.Labels,
		})
	}
	return out, nil
}

// NetworkExists reports whether the named network is present on the host.
func (d *DockerRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := d.inner.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect network %s: %w", name, err)
	}
	return true, nil
}

// MajorVersion reports the engine's major version.
func (d *DockerRuntime) MajorVersion(ctx context.Context) (int, error) {
	version, err := d.inner.ServerVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("server version: %w", err)
	}
	major, _, _ := strings.Cut(version.Version, ".")
	parsed, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", version.Version, err)
	}
	return parsed, nil
}

// Close releases resources held by the Docker client.
func (d *DockerRuntime) Close() error {
	if d.inner == nil {
		return nil
	}
	return d.inner.Close()
}
