package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrMigrationSequence reports a migrations directory whose versions are not
// 1..n with an up and a down file each.
var ErrMigrationSequence = errors.New("migration sequence is broken")

// ErrSchemaIncomplete reports a database missing a table the chunk store needs.
var ErrSchemaIncomplete = errors.New("schema incomplete")

// SchemaTables are the tables PostgresStore reads and writes.
var SchemaTables = []string{"documents", "chunks", "snapshots"}

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// ID is the key recorded in schema_migrations, e.g. "0002_chunks".
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// LoadMigrations reads migrationsDir and returns its migrations ordered by
// version. Versions must run 1..n without gaps and every step needs both
// directions.
func LoadMigrations(migrationsDir string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("%w: version %d is named both %s and %s", ErrMigrationSequence, version, m.Name, match[2])
		}
		path := filepath.Join(migrationsDir, entry.Name())
		if match[3] == "up" {
			m.Up = path
		} else {
			m.Down = path
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("%w: no migrations in %s", ErrMigrationSequence, migrationsDir)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("%w: expected version %d, found %s", ErrMigrationSequence, i+1, m.ID())
		}
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("%w: %s needs both up and down files", ErrMigrationSequence, m.ID())
		}
	}
	return migrations, nil
}

// ApplyMigrations brings the database up to the newest migration in
// migrationsDir, one transaction per step, and then checks that every table
// in SchemaTables exists.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	logger := log.With().Str("component", "migrations").Str("dir", migrationsDir).Logger()
	count := 0
	for _, m := range migrations {
		if applied[m.ID()] {
			continue
		}
		if err := applyStep(ctx, db, m.ID(), m.Up); err != nil {
			return err
		}
		count++
		logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}

	if err := CheckSchema(ctx, db); err != nil {
		return err
	}
	logger.Info().
		Int("applied", count).
		Int("schema_version", migrations[len(migrations)-1].Version).
		Msg("schema up to date")
	return nil
}

// RollbackMigrations runs every down file newest first and clears the
// migration ledger.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		contents, err := os.ReadFile(m.Down)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", m.ID(), err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("revert migration %s: %w", m.ID(), err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.ID()); err != nil {
			return fmt.Errorf("unrecord migration %s: %w", m.ID(), err)
		}
		log.Info().Str("component", "migrations").Int("version", m.Version).Str("name", m.Name).Msg("reverted migration")
	}
	return nil
}

// CheckSchema reports ErrSchemaIncomplete when a table in SchemaTables is
// missing. It doubles as the database readiness check.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	var missing []string
	for _, table := range SchemaTables {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchemaIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, id, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", id, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, id); err != nil {
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}
