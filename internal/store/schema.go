package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order on every Open. Statements must be idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS completions (
		id           TEXT PRIMARY KEY,
		sequence     INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		prompt       TEXT NOT NULL,
		model_id     TEXT NOT NULL,
		text         TEXT NOT NULL,
		prefill      TEXT NOT NULL DEFAULT '',
		beam_token   TEXT,
		temperature  REAL NOT NULL DEFAULT 0,
		top_k        INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS completions_prompt ON completions (prompt, sequence)`,

	`CREATE TABLE IF NOT EXISTS completion_logprobs (
		completion_id TEXT NOT NULL REFERENCES completions (id) ON DELETE CASCADE,
		model_id      TEXT NOT NULL,
		data          TEXT NOT NULL,
		min_logprob   REAL,
		avg_logprob   REAL,
		scored        REAL,
		heuristic     TEXT NOT NULL,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (completion_id, model_id)
	)`,

	`CREATE TABLE IF NOT EXISTS llm_request_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence      INTEGER NOT NULL,
		timestamp     INTEGER NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		success       INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		request_body  TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS llm_request_events_provider ON llm_request_events (provider)`,
	`CREATE INDEX IF NOT EXISTS llm_request_events_purpose ON llm_request_events (purpose)`,
	`CREATE INDEX IF NOT EXISTS llm_request_events_sequence ON llm_request_events (sequence)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
