package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type scriptedRuntime struct {
	name     string
	startErr error
	started  int
	listErr  error
	listed   []Container
}

func (s *scriptedRuntime) Name() string { return s.name }

func (s *scriptedRuntime) Start(context.Context, StartRequest) error {
	s.started++
	return s.startErr
}

func (s *scriptedRuntime) Stop(context.Context, string) error   { return s.startErr }
func (s *scriptedRuntime) Remove(context.Context, string) error { return s.startErr }

func (s *scriptedRuntime) ListContainers(context.Context) ([]Container, error) {
	return s.listed, s.listErr
}

func (s *scriptedRuntime) NetworkExists(context.Context, string) (bool, error) {
	return true, s.startErr
}

func (s *scriptedRuntime) MajorVersion(context.Context) (int, error) { return 5, s.startErr }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChainShortCircuitsOnFirstSuccess(t *testing.T) {
	first := &scriptedRuntime{name: "first"}
	second := &scriptedRuntime{name: "second"}
	chain, err := NewChain(testLogger(), first, second)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if err := chain.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if first.started != 1 || second.started != 0 {
		t.Fatalf("expected only first provider tried, got first=%d second=%d", first.started, second.started)
	}
}

func TestChainFallsThroughToNextProvider(t *testing.T) {
	first := &scriptedRuntime{name: "first", startErr: errors.New("socket unreachable")}
	second := &scriptedRuntime{name: "second"}
	chain, _ := NewChain(testLogger(), first, second)
	if err := chain.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if first.started != 1 || second.started != 1 {
		t.Fatalf("expected fallback to second provider, got first=%d second=%d", first.started, second.started)
	}
}

func TestChainAggregatesAllFailures(t *testing.T) {
	boom := errors.New("boom")
	first := &scriptedRuntime{name: "first", startErr: boom}
	second := &scriptedRuntime{name: "second", startErr: boom}
	chain, _ := NewChain(testLogger(), first, second)
	err := chain.Start(context.Background(), StartRequest{})
	if err == nil {
		t.Fatal("expected aggregated failure")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestChainListReturnsFirstSuccessfulListing(t *testing.T) {
	first := &scriptedRuntime{name: "first", listErr: errors.New("down")}
	second := &scriptedRuntime{name: "second", listed: []Container{{Name: "demo-blue-staging"}}}
	chain, _ := NewChain(testLogger(), first, second)
	containers, err := chain.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers returned error: %v", err)
	}
	if len(containers) != 1 || containers[0].Name != "demo-blue-staging" {
		t.Fatalf("unexpected listing: %+v", containers)
	}
}

func TestNewChainRequiresProviders(t *testing.T) {
	if _, err := NewChain(testLogger()); err == nil {
		t.Fatal("expected error for empty provider list")
	}
}
