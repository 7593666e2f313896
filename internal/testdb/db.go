package testdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/docqueue/internal/ciutil"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 5 * time.Second

// IsIntegrationTestEnvironment reports whether a test database is configured
func IsIntegrationTestEnvironment() bool {
	return ciutil.GetTestDatabaseURL(nil) != ""
}

// GetTestDBWithT opens the test database and closes it when the test ends.
// The test is skipped when no database is configured.
func GetTestDBWithT(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := ciutil.GetTestDatabaseURL(nil)
	if dbURL == "" {
		t.Skipf("Skipping integration test - set %s or %s", ciutil.EnvTestDBURL, ciutil.EnvDatabaseURL)
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		t.Fatalf("Failed to open test database %s: %v", ciutil.MaskSensitiveValue(dbURL), err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database connection: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if ciutil.IsCI() {
			stats := db.Stats()
			t.Logf("CI Debug: connection stats: MaxOpen=%d, Open=%d, InUse=%d, Idle=%d",
				stats.MaxOpenConnections, stats.OpenConnections, stats.InUse, stats.Idle)
		}
		t.Fatalf("Failed to ping test database %s: %v", ciutil.MaskSensitiveValue(dbURL), err)
	}

	return db
}
