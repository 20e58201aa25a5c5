package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// Status reports whether one embedded migration has been recorded in
// schema_migrations.
type Status struct {
	Name    string
	Applied bool
}

// Apply runs the embedded migrations for driver in lexicographic order. Each
// one is claimed in schema_migrations inside its own transaction, so
// concurrent gateways starting against the same database apply it once.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver, err := normalizeDriver(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db, driver); err != nil {
		return err
	}

	names, err := Names(driver)
	if err != nil {
		return err
	}
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, driver, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Names lists the embedded migration files for driver, in apply order.
func Names(driver string) ([]string, error) {
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Report compares the embedded migrations with the rows recorded in db.
func Report(ctx context.Context, db *sql.DB, driver string) ([]Status, error) {
	names, err := Names(driver)
	if err != nil {
		return nil, err
	}
	driver, _ = normalizeDriver(driver)
	if err := ensureMigrationsTable(ctx, db, driver); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, Status{Name: name, Applied: applied[name]})
	}
	return out, nil
}

// dialect holds the driver-specific SQL for the bookkeeping table.
type dialect struct {
	createTable string
	claim       string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claim: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claim: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

func normalizeDriver(driver string) (string, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if _, ok := dialects[driver]; !ok {
		return "", fmt.Errorf("unsupported migration driver %q", driver)
	}
	return driver, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, driver string) error {
	if _, err := db.ExecContext(ctx, dialects[driver].createTable); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

// applyMigration claims name and runs statement in one transaction. A name
// another process already claimed is skipped.
func applyMigration(ctx context.Context, db *sql.DB, driver, name, statement string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, dialects[driver].claim, name)
	if err != nil {
		return fmt.Errorf("claim schema_migrations row: %w", err)
	}
	if claimed, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("read claim row count: %w", err)
	} else if claimed == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
