package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"ballotline/internal/db"
	"ballotline/internal/domain"
	"ballotline/internal/migrate"
)

func openRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestAPIKeyLookupAndTouch(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "svc-scheduler", Name: "cron", KeyHash: HashAPIKey(" bl_secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey("bl_secret"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "svc-scheduler" || got.LastUsedAt != nil {
		t.Fatalf("unexpected key: %+v", got)
	}

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := r.TouchAPIKey(ctx, "k1", first); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// A second touch inside the same minute keeps the first timestamp.
	if err := r.TouchAPIKey(ctx, "k1", first.Add(20*time.Second)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "svc-scheduler")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == nil || *keys[0].LastUsedAt != first.Format(time.RFC3339) {
		t.Fatalf("unexpected last use: %+v", keys)
	}

	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("bl_secret")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
