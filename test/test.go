// Package test contains helpers for database-backed tests.
package test

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/treeline/backstop/models/db"
	"github.com/treeline/backstop/setup"
)

var mu sync.Mutex

// SetUp connects to the test database, or skips the test when no database
// is reachable.
func SetUp(t testing.TB) {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://backstop@localhost:5432/backstop_test?sslmode=disable&timezone=UTC")
	}
	if err := setup.DB(setup.DefaultConnection, 10); err != nil {
		t.Skipf("could not connect to the test database: %s", err)
	}
	if err := db.Conn.Ping(); err != nil {
		t.Skipf("could not reach the test database: %s", err)
	}
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	_, err := db.Conn.Exec(fmt.Sprintf("-- %s\nDELETE FROM jobs;\nDELETE FROM backup_schedules", name))
	return err
}

// TearDown deletes all records from the database, and marks the test as
// failed if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	if db.Connected() {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}
