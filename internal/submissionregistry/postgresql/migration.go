package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

const currentSchemaVersion = 1

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE submissions (
				rowid           BIGSERIAL,
				id              TEXT PRIMARY KEY,
				workflow        JSONB NOT NULL,
				status          TEXT NOT NULL,
				start_time      TIMESTAMPTZ,
				end_time        TIMESTAMPTZ,
				results         JSONB,
				error_message   TEXT NOT NULL DEFAULT '',
				execution_state BYTEA
			);

			CREATE INDEX submissions_status_idx ON submissions (status);

			CREATE TABLE process_chains (
				id                    TEXT PRIMARY KEY,
				submission_id         TEXT NOT NULL REFERENCES submissions (id),
				sequence              BIGSERIAL,
				executables           JSONB NOT NULL,
				required_capabilities JSONB NOT NULL DEFAULT '[]',
				status                TEXT NOT NULL,
				owner                 TEXT NOT NULL DEFAULT '',
				start_time            TIMESTAMPTZ,
				end_time              TIMESTAMPTZ,
				results               JSONB,
				error_message         TEXT NOT NULL DEFAULT '',
				bindings              JSONB
			);

			CREATE INDEX process_chains_submission_idx ON process_chains (submission_id);
			CREATE INDEX process_chains_status_seq_idx ON process_chains (status, sequence);
		`,
	}
}

// migrationManager applies versioned schema migrations, tracked in a
// schema_migrations table, mirroring the teacher's sqlbase.MigrationManager.
type migrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func newMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *migrationManager {
	return &migrationManager{db: db, logger: logger, migrations: migrations}
}

func (m *migrationManager) run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if current >= currentSchemaVersion {
		return nil
	}

	return m.apply(ctx, current)
}

func (m *migrationManager) createMigrationsTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		);
	`

	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

func (m *migrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *migrationManager) apply(ctx context.Context, from int) error {
	for version, ddl := range m.migrations {
		if version <= from {
			continue
		}

		m.logger.InfoContext(ctx, "applying migration", "version", version)

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}
