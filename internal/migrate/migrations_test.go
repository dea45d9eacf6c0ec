package migrate

import (
	"testing"

	"reviewgate/internal/db"
)

func TestMigrateRunsOnce(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatalf("no migrations ledgered")
	}
	// a second run must not re-apply anything
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&again); err != nil {
		t.Fatal(err)
	}
	if again != n {
		t.Fatalf("ledger grew from %d to %d on a no-op run", n, again)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("sql/0001_init.sql")
	if err != nil || v != 1 {
		t.Fatalf("version = %d, err = %v", v, err)
	}
	if _, err := parseVersion("sql/init.sql"); err == nil {
		t.Fatalf("missing version prefix accepted")
	}
}
