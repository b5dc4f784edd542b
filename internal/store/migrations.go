package store

import "fmt"

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations.
// New migrations should be appended to the end with incrementing version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Users with ratings",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			rating INTEGER NOT NULL DEFAULT 1000,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_users_rating ON users(rating DESC);
		`,
	},
	{
		Version:     2,
		Description: "Matches with optimistic version column",
		SQL: `
		CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'WAITING',
			creator_id TEXT NOT NULL REFERENCES users(id),
			opponent_id TEXT NOT NULL DEFAULT '',
			starting_balance INTEGER NOT NULL,
			candle_index INTEGER NOT NULL DEFAULT 0,
			candle_count INTEGER NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			creator_final INTEGER NOT NULL DEFAULT 0,
			opponent_final INTEGER NOT NULL DEFAULT 0,
			creator_score INTEGER NOT NULL DEFAULT 0,
			opponent_score INTEGER NOT NULL DEFAULT 0,
			creator_delta INTEGER NOT NULL DEFAULT 0,
			opponent_delta INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
		`,
	},
	{
		Version:     3,
		Description: "Append-only trade log",
		SQL: `
		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			match_id TEXT NOT NULL REFERENCES matches(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_trades_match ON trades(match_id);
		`,
	},
	{
		Version:     4,
		Description: "Per-player match statistics",
		SQL: `
		CREATE TABLE IF NOT EXISTS match_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id TEXT NOT NULL REFERENCES matches(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			peak_equity INTEGER NOT NULL,
			max_drawdown REAL NOT NULL,
			total_trades INTEGER NOT NULL,
			profitable_trades INTEGER NOT NULL,
			final_equity INTEGER NOT NULL,
			score INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(match_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_match_stats_user ON match_stats(user_id);
		`,
	},
}

// initMigrationsTable creates the migrations tracking table.
func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration version.
func (s *Store) getCurrentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// applyMigration runs a single migration in a transaction.
func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}
