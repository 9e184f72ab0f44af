package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/outcomefi/outcome/internal/model"
)

// RecordAgentRun appends an agent run audit record. ID and CreatedAt are
// assigned here; empty payloads are stored as JSON null.
func (db *DB) RecordAgentRun(ctx context.Context, run model.AgentRun) (model.AgentRun, error) {
	now, nowMs := db.nowMillis()
	run.ID = uuid.NewString()
	run.CreatedAt = now
	if len(run.Input) == 0 {
		run.Input = json.RawMessage("null")
	}
	if len(run.Output) == 0 {
		run.Output = json.RawMessage("null")
	}

	_, err := db.exec(ctx, db.sql,
		`INSERT INTO ai_runs (id, universe_id, agent_name, input_json, output_json, model, prompt_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UniverseID, run.AgentName, string(run.Input), string(run.Output),
		run.Model, run.PromptVersion, nowMs,
	)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: record agent run: %w", err)
	}
	return run, nil
}

// ListAgentRuns returns the runs recorded for a universe, oldest first.
func (db *DB) ListAgentRuns(ctx context.Context, universeID string) ([]model.AgentRun, error) {
	rows, err := db.query(ctx, db.sql,
		`SELECT id, universe_id, agent_name, input_json, output_json, model, prompt_version, created_at
		 FROM ai_runs WHERE universe_id = ? ORDER BY created_at, id`, universeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.AgentRun{}
	for rows.Next() {
		var (
			r             model.AgentRun
			universe      sql.NullString
			input, output string
			createdAt     int64
		)
		if err := rows.Scan(&r.ID, &universe, &r.AgentName, &input, &output, &r.Model, &r.PromptVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent run: %w", err)
		}
		r.UniverseID = nullString(universe)
		r.Input = json.RawMessage(input)
		r.Output = json.RawMessage(output)
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
