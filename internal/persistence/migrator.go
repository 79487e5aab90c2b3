package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock serializing migrators across
// processes. Derived from fnv32("settlement").
const migrationLockKey = 0x1c31_9ab4

// migration is one versioned pair of up/down SQL files, named
// {version}_{name}.up.sql and {version}_{name}.down.sql.
type migration struct {
	version int64
	name    string
	upFile  string
}

func (mg migration) downFile() string {
	return strings.TrimSuffix(mg.upFile, ".up.sql") + ".down.sql"
}

// Migrator applies the settlement schema migrations. Version state
// lives in settlement.schema_migrations, inside the same schema the
// migrations build, so dropping the schema resets the ledger cleanly.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, log: log}
}

// Up applies every pending migration in version order. Safe to run
// from multiple replicas at once; an advisory lock serializes them.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return err
		}
		pending, err := m.discover()
		if err != nil {
			return err
		}

		for _, mg := range pending {
			if applied[mg.version] {
				continue
			}
			if err := m.apply(ctx, mg); err != nil {
				return err
			}
			m.log.Info().Int64("version", mg.version).Str("name", mg.name).Msg("migration applied")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		var version int64
		var name string
		err := m.db.QueryRowContext(ctx,
			`SELECT version, name FROM settlement.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &name)
		if err == sql.ErrNoRows {
			m.log.Info().Msg("nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		all, err := m.discover()
		if err != nil {
			return err
		}
		var target *migration
		for i := range all {
			if all[i].version == version {
				target = &all[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("migration %d (%s) is applied but its files are missing from %s", version, name, m.dir)
		}

		sqlText, err := os.ReadFile(filepath.Join(m.dir, target.downFile()))
		if err != nil {
			return fmt.Errorf("read %s: %w", target.downFile(), err)
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
				return fmt.Errorf("exec %s: %w", target.downFile(), err)
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM settlement.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}
		m.log.Info().Int64("version", version).Str("name", name).Msg("migration rolled back")
		return nil
	})
}

func (m *Migrator) apply(ctx context.Context, mg migration) error {
	sqlText, err := os.ReadFile(filepath.Join(m.dir, mg.upFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", mg.upFile, err)
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", mg.upFile, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settlement.schema_migrations (version, name) VALUES ($1, $2)`,
			mg.version, mg.name)
		return err
	})
}

// withLock takes the advisory lock, ensures the version table exists
// and runs fn while the lock is held.
func (m *Migrator) withLock(ctx context.Context, fn func() error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	if _, err := conn.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS settlement`); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement.schema_migrations (
			version    BIGINT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return fn()
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM settlement.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover scans the migration directory for up files and parses their
// versions. A malformed filename is an error, not a skip; a typo would
// otherwise silently drop a migration.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migs []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		version, name, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		migs = append(migs, migration{version: version, name: name, upFile: e.Name()})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	for i := 1; i < len(migs); i++ {
		if migs[i].version == migs[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)",
				migs[i].version, migs[i-1].upFile, migs[i].upFile)
		}
	}
	return migs, nil
}

func parseMigrationName(filename string) (int64, string, error) {
	base := strings.TrimSuffix(filename, ".up.sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return 0, "", fmt.Errorf("migration %s: want {version}_{name}.up.sql", filename)
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("migration %s: non-numeric version %q", filename, prefix)
	}
	return version, name, nil
}
