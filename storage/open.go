package storage

import (
	"context"
	"fmt"
	"strings"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the account store selected by driver.
func Open(ctx context.Context, driver, sqlitePath string, pg PostgresConfig) (AccountStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		store, err := New(sqlitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := NewPostgres(ctx, pg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
