package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding all pipeline state.
type Store struct {
	conn *sql.DB
	path string
}

// DefaultPath returns <dataDir>/biagent.db, creating the directory if needed.
func DefaultPath(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dataDir, err)
	}
	return filepath.Join(dataDir, "biagent.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Store{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// nowUTC returns the current time in the RFC3339 form used for all timestamps.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tickets (
    key         TEXT PRIMARY KEY,
    summary     TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT '',
    priority    TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipelines (
    id              TEXT PRIMARY KEY,
    ticket_key      TEXT NOT NULL REFERENCES tickets(key),
    status          TEXT NOT NULL CHECK(status IN
        ('pending','running','paused','needs_user_input','waiting_for_review','completed','failed')),
    current_step    INTEGER NOT NULL DEFAULT 1,
    total_tokens    INTEGER NOT NULL DEFAULT 0,
    total_cost      REAL NOT NULL DEFAULT 0,
    pause_requested INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    started_at      TEXT,
    paused_at       TEXT,
    completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_pipelines_ticket ON pipelines(ticket_key);

CREATE TABLE IF NOT EXISTS pipeline_steps (
    id              TEXT PRIMARY KEY,
    pipeline_id     TEXT NOT NULL REFERENCES pipelines(id),
    step_number     INTEGER NOT NULL,
    step_name       TEXT NOT NULL,
    status          TEXT NOT NULL CHECK(status IN
        ('pending','running','paused','waiting','completed','failed','skipped')),
    waiting_for     TEXT,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    iteration_count INTEGER NOT NULL DEFAULT 0,
    tokens_used     INTEGER NOT NULL DEFAULT 0,
    cost            REAL NOT NULL DEFAULT 0,
    error_message   TEXT,
    started_at      TEXT,
    completed_at    TEXT,
    UNIQUE(pipeline_id, step_number)
);

CREATE TABLE IF NOT EXISTS step_outputs (
    id           TEXT PRIMARY KEY,
    step_id      TEXT NOT NULL REFERENCES pipeline_steps(id),
    output_type  TEXT NOT NULL,
    content      TEXT NOT NULL DEFAULT '',
    content_json TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_outputs_step ON step_outputs(step_id, created_at DESC);

CREATE TABLE IF NOT EXISTS step_output_history (
    id             TEXT PRIMARY KEY,
    step_id        TEXT NOT NULL REFERENCES pipeline_steps(id),
    attempt_number INTEGER NOT NULL,
    output_type    TEXT NOT NULL,
    content        TEXT NOT NULL DEFAULT '',
    content_json   TEXT,
    feedback_id    TEXT,
    created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS step_feedback (
    id            TEXT PRIMARY KEY,
    step_id       TEXT NOT NULL REFERENCES pipeline_steps(id),
    feedback_text TEXT NOT NULL,
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id                 TEXT PRIMARY KEY,
    step_id            TEXT NOT NULL REFERENCES pipeline_steps(id),
    tool_name          TEXT NOT NULL,
    tool_use_id        TEXT NOT NULL DEFAULT '',
    parent_tool_use_id TEXT NOT NULL DEFAULT '',
    arguments          TEXT,
    created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_step ON tool_calls(step_id, created_at);

CREATE TABLE IF NOT EXISTS clarifications (
    id              TEXT PRIMARY KEY,
    step_id         TEXT NOT NULL REFERENCES pipeline_steps(id),
    pipeline_id     TEXT NOT NULL REFERENCES pipelines(id),
    question        TEXT NOT NULL,
    options         TEXT NOT NULL,
    context         TEXT,
    selected_option INTEGER,
    custom_answer   TEXT,
    status          TEXT NOT NULL CHECK(status IN ('pending','answered')),
    created_at      TEXT NOT NULL,
    answered_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_clarifications_step ON clarifications(step_id, status);

CREATE TABLE IF NOT EXISTS workspace_sessions (
    id                  TEXT PRIMARY KEY,
    pipeline_id         TEXT NOT NULL REFERENCES pipelines(id),
    ticket_key          TEXT NOT NULL,
    status              TEXT NOT NULL CHECK(status IN
        ('pending','creating','ready','needs_user_input','failed','cleaned')),
    base_path           TEXT NOT NULL,
    error_message       TEXT,
    user_input_request  TEXT,
    user_input_response TEXT,
    created_at          TEXT NOT NULL,
    ready_at            TEXT,
    cleaned_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_workspace_sessions_pipeline ON workspace_sessions(pipeline_id);

CREATE TABLE IF NOT EXISTS workspace_repos (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL REFERENCES workspace_sessions(id),
    repo_name      TEXT NOT NULL,
    repo_path      TEXT NOT NULL,
    workspace_path TEXT NOT NULL,
    branch_name    TEXT NOT NULL,
    status         TEXT NOT NULL CHECK(status IN
        ('pending','creating','setup','ready','failed')),
    setup_commands TEXT,
    setup_output   TEXT,
    pr_url         TEXT,
    pr_merged      INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    ready_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_workspace_repos_session ON workspace_repos(session_id);

CREATE TABLE IF NOT EXISTS conversation_sessions (
    id                   TEXT PRIMARY KEY,
    pipeline_id          TEXT NOT NULL REFERENCES pipelines(id),
    external_session_id  TEXT NOT NULL,
    cwd                  TEXT NOT NULL DEFAULT '',
    model                TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL CHECK(status IN ('active','paused','completed','expired')),
    last_step_completed  INTEGER NOT NULL DEFAULT 0,
    conversation_summary TEXT,
    ticket_context_json  TEXT,
    created_at           TEXT NOT NULL,
    last_active_at       TEXT NOT NULL,
    paused_at            TEXT,
    completed_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_conversation_sessions_pipeline
    ON conversation_sessions(pipeline_id, created_at DESC);

CREATE TABLE IF NOT EXISTS review_iterations (
    id                 TEXT PRIMARY KEY,
    pipeline_id        TEXT NOT NULL REFERENCES pipelines(id),
    iteration_number   INTEGER NOT NULL,
    comments_received  INTEGER NOT NULL DEFAULT 0,
    comments_addressed INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_id TEXT NOT NULL,
    event       TEXT NOT NULL,
    step_number INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events ON pipeline_events(pipeline_id, timestamp DESC);
`

// Migrate applies the database schema.
func (s *Store) Migrate() error {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (s *Store) Reset() error {
	tables := []string{
		"pipeline_events", "review_iterations", "conversation_sessions",
		"workspace_repos", "workspace_sessions", "clarifications",
		"tool_calls", "step_feedback", "step_output_history", "step_outputs",
		"pipeline_steps", "pipelines", "tickets", "schema_version",
	}
	for _, t := range tables {
		if _, err := s.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return s.Migrate()
}
