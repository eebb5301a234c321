package migrate_test

import (
	"testing"

	"vaultd/internal/db"
	"vaultd/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("migrated vault should be at version >= 1, got %d", v)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate must be a no-op: %v", err)
	}
	again, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if again != v {
		t.Fatalf("version moved on re-migrate: %d -> %d", v, again)
	}

	// schema usable after migrate
	if _, err := conn.Exec(`INSERT INTO tasks(identity,original_name,current_name,state,created_at,updated_at) VALUES ('t','t.txt','t.txt','detected','2024-03-01T12:00:00Z','2024-03-01T12:00:00Z')`); err != nil {
		t.Fatalf("tasks table missing after migrate: %v", err)
	}
}
