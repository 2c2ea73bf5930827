package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/repository/memory"
)

func newService(t *testing.T) (*Service, *memory.Repository) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	return New(repo, log, 90, 24*time.Hour), repo
}

func TestRecordStampsCreatedAt(t *testing.T) {
	svc, _ := newService(t)
	svc.Record(context.Background(), domain.AuditEntry{
		Actor:       "alice",
		Action:      "deploy",
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		Success:     true,
	})

	entries, err := svc.List(context.Background(), domain.AuditFilter{ProjectName: "demo"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt was not stamped")
	}
}

type failingAuditRepo struct{}

func (failingAuditRepo) InsertAuditEntry(context.Context, *domain.AuditEntry) error {
	return errors.New("insert refused")
}

func (failingAuditRepo) ListAuditEntries(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (failingAuditRepo) PurgeAuditEntries(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestRecordSwallowsInsertFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(failingAuditRepo{}, log, 90, 24*time.Hour)
	// Must not panic or propagate; the caller's operation already succeeded.
	svc.Record(context.Background(), domain.AuditEntry{Action: "deploy"})
}

func TestListClampsLimit(t *testing.T) {
	svc, _ := newService(t)
	for i := 0; i < 120; i++ {
		svc.Record(context.Background(), domain.AuditEntry{
			Actor:       "alice",
			Action:      "deploy",
			ProjectName: "demo",
			Environment: domain.EnvStaging,
		})
	}
	entries, err := svc.List(context.Background(), domain.AuditFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("default limit should cap at 100, got %d", len(entries))
	}
}

func TestPurgeDropsExpiredEntries(t *testing.T) {
	svc, repo := newService(t)
	old := domain.AuditEntry{
		Actor:       "alice",
		Action:      "deploy",
		ProjectName: "demo",
		Environment: domain.EnvStaging,
		CreatedAt:   time.Now().UTC().Add(-120 * 24 * time.Hour),
	}
	if err := repo.InsertAuditEntry(context.Background(), &old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	svc.Record(context.Background(), domain.AuditEntry{
		Actor: "alice", Action: "promote", ProjectName: "demo", Environment: domain.EnvStaging,
	})

	svc.purge(context.Background())

	entries, err := svc.List(context.Background(), domain.AuditFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "promote" {
		t.Fatalf("purge kept wrong entries: %+v", entries)
	}
}
