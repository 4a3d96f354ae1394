// Package tests holds end-to-end tests that exercise the HTTP stack, the
// device client and, when DATABASE_URL is set, the Postgres ledger.
package tests

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fleetboot/discovery/internal/db"
)

// ProvisioningTables are emptied between tests
var ProvisioningTables = []string{"registrations", "hostname_counters", "request_log"}

// PrepareDatabase applies migrations and empties the provisioning tables.
func PrepareDatabase(ctx context.Context, database *sql.DB) error {
	if err := db.Ping(ctx, database); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	return TruncateTables(ctx, database)
}

// TruncateTables empties the provisioning tables for a clean test state.
func TruncateTables(ctx context.Context, database *sql.DB) error {
	for _, table := range ProvisioningTables {
		if _, err := database.ExecContext(ctx, "TRUNCATE TABLE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
