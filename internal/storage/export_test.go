package storage

import (
	"context"

	"github.com/outcomefi/outcome/internal/model"
)

// InsertUniverseForTest writes a universe row with a caller-chosen id.
func (db *DB) InsertUniverseForTest(ctx context.Context, u model.Universe) error {
	_, nowMs := db.nowMillis()
	_, err := db.exec(ctx, db.sql,
		`INSERT INTO universes (id, headline, ledger_id, status, final_story, final_story_hash, created_by, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, NULL, NULL, ?, ?, ?)`,
		u.ID, u.Headline, string(u.Status), u.CreatedBy, nowMs, nowMs)
	return err
}

// SetVoteCountsJSONForTest overwrites the stored vote counts of a scenario
// with raw text.
func (db *DB) SetVoteCountsJSONForTest(ctx context.Context, scenarioID, raw string) error {
	_, err := db.exec(ctx, db.sql, `UPDATE scenarios SET vote_counts_json = ? WHERE id = ?`, raw, scenarioID)
	return err
}
