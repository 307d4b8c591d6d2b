package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/maice-ai/maice/internal/db/dialect"
)

// schemaStatements returns the DDL for the session store. Booleans are stored
// as integers on both drivers so reads and writes stay dialect-free.
func schemaStatements(driver string) []string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	real := "REAL"
	if dialect.IsPostgres(driver) {
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
		real = "DOUBLE PRECISION"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %s,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			current_stage TEXT NOT NULL DEFAULT 'initial',
			last_message_type TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, pk, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_stage ON sessions(current_stage)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_messages (
			id %s,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			created_at %s NOT NULL
		)`, pk, ts),
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, id)`,
		// Enforces the maice-sender dedup at the storage layer; AppendMessage
		// resolves conflicts back to the existing row id.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_maice_dedup
			ON session_messages(session_id, content, message_type) WHERE sender = 'maice'`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			free_talk INTEGER NOT NULL DEFAULT 0,
			created_at %s NOT NULL
		)`, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS clarification_state (
			session_id INTEGER PRIMARY KEY REFERENCES sessions(id),
			original_question TEXT NOT NULL,
			questions TEXT NOT NULL,
			answers TEXT NOT NULL,
			next_index INTEGER NOT NULL,
			total INTEGER NOT NULL,
			updated_at %s NOT NULL
		)`, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS evaluations (
			id %s,
			session_id INTEGER NOT NULL UNIQUE REFERENCES sessions(id),
			item_scores TEXT NOT NULL,
			section_a INTEGER NOT NULL,
			section_b INTEGER NOT NULL,
			section_c INTEGER NOT NULL,
			overall INTEGER NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		)`, pk, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS processing_logs (
			id %s,
			session_id INTEGER NOT NULL,
			agent TEXT NOT NULL,
			stage TEXT NOT NULL,
			message TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			created_at %s NOT NULL
		)`, pk, ts),
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON processing_logs(session_id, id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_outcomes (
			id %s,
			session_id INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			outcome TEXT NOT NULL,
			latency_ms %s NOT NULL,
			created_at %s NOT NULL
		)`, pk, real, ts),
		`CREATE INDEX IF NOT EXISTS idx_outcomes_created ON request_outcomes(created_at)`,
	}
}

func initSchema(db *sqlx.DB) error {
	for _, stmt := range schemaStatements(db.DriverName()) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
