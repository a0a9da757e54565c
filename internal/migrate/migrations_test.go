package migrate_test

import (
	"context"
	"testing"

	"escrowline/internal/db"
	"escrowline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	if v, err := migrate.Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version: %d %v", v, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Fatalf("version: %d", v)
	}
	for _, table := range []string{"campaigns", "offers", "contracts", "deliverables", "disputes", "payout_records", "reconciliation_events", "events", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}
