package migrate

import (
	"context"
	"testing"

	"ballotline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	v, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v != latest {
		t.Fatalf("expected version %d, got %d", latest, v)
	}
	v, err = Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v != latest {
		t.Fatalf("expected version %d after rerun, got %d", latest, v)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM instances`).Scan(&n); err != nil {
		t.Fatalf("instances table missing: %v", err)
	}
}
