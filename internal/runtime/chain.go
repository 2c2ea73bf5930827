package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Chain tries an ordered list of providers, short-circuiting on the first
// success. It keeps transport fallbacks out of the deployment state machine.
type Chain struct {
	providers []Runtime
	log       *slog.Logger
}

// NewChain builds a fallback chain over the given providers.
func NewChain(log *slog.Logger, providers ...Runtime) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one runtime provider required")
	}
	return &Chain{providers: providers, log: log}, nil
}

var _ Runtime = (*Chain)(nil)

// Name identifies the chain.
func (c *Chain) Name() string { return "chain" }

func (c *Chain) each(ctx context.Context, op string, fn func(Runtime) error) error {
	var errs []error
	for _, provider := range c.providers {
		err := fn(provider)
		if err == nil {
			return nil
		}
		c.log.Warn("runtime provider failed", "provider", provider.Name(), "op", op, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}
	return fmt.Errorf("all runtime providers failed for %s: %w", op, errors.Join(errs...))
}

// Start launches the container via the first provider that accepts it.
func (c *Chain) Start(ctx context.Context, req StartRequest) error {
	return c.each(ctx, "start", func(r Runtime) error { return r.Start(ctx, req) })
}

// Stop stops the container via the first working provider.
func (c *Chain) Stop(ctx context.Context, containerName string) error {
	return c.each(ctx, "stop", func(r Runtime) error { return r.Stop(ctx, containerName) })
}

// Remove deletes the container via the first working provider.
func (c *Chain) Remove(ctx context.Context, containerName string) error {
	return c.each(ctx, "remove", func(r Runtime) error { return r.Remove(ctx, containerName) })
}

// ListContainers returns the first provider's successful listing.
func (c *Chain) ListContainers(ctx context.Context) ([]Container, error) {
	var out []Container
	err := c.each(ctx, "list", func(r Runtime) error {
		listed, err := r.ListContainers(ctx)
		if err != nil {
			return err
		}
		out = listed
		return nil
	})
	return out, err
}

// NetworkExists consults the first reachable provider.
func (c *Chain) NetworkExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.each(ctx, "network", func(r Runtime) error {
		found, err := r.NetworkExists(ctx, name)
		if err != nil {
			return err
		}
		exists = found
		return nil
	})
	return exists, err
}

// MajorVersion consults the first reachable provider.
func (c *Chain) MajorVersion(ctx context.Context) (int, error) {
	var major int
	err := c.each(ctx, "version", func(r Runtime) error {
		v, err := r.MajorVersion(ctx)
		if err != nil {
			return err
		}
		major = v
		return nil
	})
	return major, err
}
