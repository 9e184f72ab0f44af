package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outcomefi/outcome/internal/model"
)

const scenarioColumns = `id, universe_id, ledger_id, position, question, options_json, rationale, phase, winning_choice, vote_counts_json, created_at, updated_at`

func scanScenario(row interface{ Scan(...any) error }) (model.Scenario, error) {
	var (
		s                     model.Scenario
		ledgerID              sql.NullInt64
		rationale             sql.NullString
		winning               sql.NullInt64
		optionsJSON, votesRaw string
		phase                 int
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&s.ID, &s.UniverseID, &ledgerID, &s.Position, &s.Question, &optionsJSON,
		&rationale, &phase, &winning, &votesRaw, &createdAt, &updatedAt); err != nil {
		return model.Scenario{}, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &s.Options); err != nil {
		return model.Scenario{}, fmt.Errorf("decode options of scenario %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(votesRaw), &s.VoteCounts); err != nil {
		return model.Scenario{}, fmt.Errorf("decode vote counts of scenario %s: %w", s.ID, err)
	}
	s.LedgerID = nullLedgerID(ledgerID)
	s.Rationale = nullString(rationale)
	s.Phase = model.ScenarioPhase(phase)
	if winning.Valid {
		w := int(winning.Int64)
		s.WinningChoice = &w
	}
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

// ReplaceDraftScenarios deletes every scenario of the universe and inserts
// drafts in their place, in one transaction. Either the old set or the new
// set is visible to readers, never an empty or mixed set.
//
// Drafts whose option count is not exactly four are rejected before any write.
// A universe that already has a scenario bound to the ledger cannot have its
// set replaced (ErrConflict).
func (db *DB) ReplaceDraftScenarios(ctx context.Context, universeID string, drafts []model.ScenarioDraft) ([]model.Scenario, error) {
	verr := &model.ValidationError{}
	for i, d := range drafts {
		if len(d.Options) != model.OptionsPerScenario {
			verr.Problems = append(verr.Problems, model.FieldProblem{
				Field:   fmt.Sprintf("scenarios[%d].options", i),
				Message: fmt.Sprintf("must contain exactly %d options", model.OptionsPerScenario),
			})
		}
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		return db.replaceScenariosTx(ctx, universeID, drafts)
	})
	if err != nil {
		return nil, err
	}
	return db.ListScenarios(ctx, universeID)
}

func (db *DB) replaceScenariosTx(ctx context.Context, universeID string, drafts []model.ScenarioDraft) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin replace scenarios: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Lock the universe row so concurrent replacements serialize on Postgres.
	// SQLite already holds the write lock from BEGIN IMMEDIATE.
	lock := `SELECT status FROM universes WHERE id = ?`
	if db.dialect == DialectPostgres {
		lock += ` FOR UPDATE`
	}
	var status string
	if err = db.queryRow(ctx, tx, lock, universeID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: universe %s: %w", universeID, ErrNotFound)
		}
		return fmt.Errorf("storage: lock universe: %w", err)
	}

	var bound int
	if err = db.queryRow(ctx, tx,
		`SELECT COUNT(*) FROM scenarios WHERE universe_id = ? AND ledger_id IS NOT NULL`, universeID,
	).Scan(&bound); err != nil {
		return fmt.Errorf("storage: count bound scenarios: %w", err)
	}
	if bound > 0 {
		return fmt.Errorf("storage: universe %s has %d published scenarios: %w", universeID, bound, ErrConflict)
	}

	if _, err = db.exec(ctx, tx, `DELETE FROM scenarios WHERE universe_id = ?`, universeID); err != nil {
		return fmt.Errorf("storage: delete scenarios: %w", err)
	}

	_, nowMs := db.nowMillis()
	zeroVotes, _ := json.Marshal(make([]uint64, model.OptionsPerScenario))
	for i, d := range drafts {
		optionsJSON, merr := json.Marshal(d.Options)
		if merr != nil {
			err = fmt.Errorf("storage: encode options: %w", merr)
			return err
		}
		var rationale any
		if d.Rationale != "" {
			rationale = d.Rationale
		}
		if _, err = db.exec(ctx, tx,
			`INSERT INTO scenarios (id, universe_id, ledger_id, position, question, options_json, rationale,
			                        phase, winning_choice, vote_counts_json, created_at, updated_at)
			 VALUES (?, ?, NULL, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			uuid.NewString(), universeID, i, d.Question, string(optionsJSON), rationale,
			int(model.PhaseCommit), string(zeroVotes), nowMs, nowMs,
		); err != nil {
			return fmt.Errorf("storage: insert scenario %d: %w", i, err)
		}
	}

	if _, err = db.exec(ctx, tx, `UPDATE universes SET updated_at = ? WHERE id = ?`, nowMs, universeID); err != nil {
		return fmt.Errorf("storage: touch universe: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit replace scenarios: %w", err)
	}
	return nil
}

// ListScenarios returns the scenarios of a universe in insertion order.
func (db *DB) ListScenarios(ctx context.Context, universeID string) ([]model.Scenario, error) {
	rows, err := db.query(ctx, db.sql,
		`SELECT `+scenarioColumns+` FROM scenarios WHERE universe_id = ? ORDER BY position`, universeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenarios: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Scenario{}
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetScenario returns one scenario by local identifier.
func (db *DB) GetScenario(ctx context.Context, id string) (model.Scenario, error) {
	s, err := scanScenario(db.queryRow(ctx, db.sql,
		`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Scenario{}, fmt.Errorf("storage: scenario %s: %w", id, ErrNotFound)
		}
		return model.Scenario{}, fmt.Errorf("storage: get scenario: %w", err)
	}
	return s, nil
}

// BindScenarioToLedger records the ledger identifier of a scenario. Same
// semantics as BindUniverseToLedger: idempotent for the same pair, ErrConflict
// otherwise.
func (db *DB) BindScenarioToLedger(ctx context.Context, id string, ledgerID uint64) (model.Scenario, error) {
	arg, err := ledgerArg(ledgerID)
	if err != nil {
		return model.Scenario{}, err
	}
	_, nowMs := db.nowMillis()
	res, err := db.exec(ctx, db.sql,
		`UPDATE scenarios SET ledger_id = ?, updated_at = ? WHERE id = ? AND ledger_id IS NULL`,
		arg, nowMs, id)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Scenario{}, fmt.Errorf("storage: ledger scenario %d already bound: %w", ledgerID, ErrConflict)
		}
		return model.Scenario{}, fmt.Errorf("storage: bind scenario: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s, err := db.GetScenario(ctx, id)
		if err != nil {
			return model.Scenario{}, err
		}
		if s.LedgerID != nil && *s.LedgerID == ledgerID {
			return s, nil
		}
		return model.Scenario{}, fmt.Errorf("storage: scenario %s already bound to ledger scenario %d: %w", id, *s.LedgerID, ErrConflict)
	}
	return db.GetScenario(ctx, id)
}

// RefreshScenarioCache mirrors ledger-owned fields from snap into the local
// cache columns. The snapshot must describe the ledger scenario bound to id.
func (db *DB) RefreshScenarioCache(ctx context.Context, id string, snap model.ScenarioSnapshot) (model.Scenario, error) {
	s, err := db.GetScenario(ctx, id)
	if err != nil {
		return model.Scenario{}, err
	}
	if s.LedgerID == nil || *s.LedgerID != snap.ID {
		return model.Scenario{}, fmt.Errorf("storage: snapshot of ledger scenario %d does not match scenario %s: %w", snap.ID, id, ErrConflict)
	}

	votes := snap.VoteCounts
	if len(votes) != model.OptionsPerScenario {
		votes = make([]uint64, model.OptionsPerScenario)
		copy(votes, snap.VoteCounts)
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("storage: encode vote counts: %w", err)
	}
	var winning any
	if snap.Phase == model.PhaseResolved {
		winning = snap.WinningChoice
	}

	_, nowMs := db.nowMillis()
	if _, err := db.exec(ctx, db.sql,
		`UPDATE scenarios SET phase = ?, winning_choice = ?, vote_counts_json = ?, updated_at = ? WHERE id = ?`,
		int(snap.Phase), winning, string(votesJSON), nowMs, id,
	); err != nil {
		return model.Scenario{}, fmt.Errorf("storage: refresh scenario cache: %w", err)
	}
	return db.GetScenario(ctx, id)
}
