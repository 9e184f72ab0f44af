package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outcomefi/outcome/internal/model"
)

const universeColumns = `id, headline, ledger_id, status, final_story, final_story_hash, pending_create_tx, pending_create_expires_at, created_by, created_at, updated_at`

// ledgerRefPattern matches references that route to the ledger-id index.
var ledgerRefPattern = regexp.MustCompile(`^[0-9]+$`)

func scanUniverse(row interface{ Scan(...any) error }) (model.Universe, error) {
	var (
		u                    model.Universe
		ledgerID             sql.NullInt64
		story, storyHash     sql.NullString
		pendingTx            sql.NullString
		pendingExpires       sql.NullInt64
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.Headline, &ledgerID, &status, &story, &storyHash,
		&pendingTx, &pendingExpires, &u.CreatedBy, &createdAt, &updatedAt); err != nil {
		return model.Universe{}, err
	}
	u.LedgerID = nullLedgerID(ledgerID)
	u.Status = model.UniverseStatus(status)
	if !u.Status.Valid() {
		return model.Universe{}, fmt.Errorf("universe %s has unknown status %q", u.ID, status)
	}
	if pendingTx.Valid {
		u.PendingCreate = &model.PendingCreate{TxHash: pendingTx.String, ExpiresAt: fromMillis(pendingExpires.Int64)}
	}
	u.FinalStory = nullString(story)
	u.FinalStoryHash = nullString(storyHash)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// CreateUniverseDraft inserts a new DRAFT universe.
func (db *DB) CreateUniverseDraft(ctx context.Context, headline, createdBy string) (model.Universe, error) {
	now, nowMs := db.nowMillis()
	u := model.Universe{
		ID:        uuid.NewString(),
		Headline:  headline,
		Status:    model.StatusDraft,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.exec(ctx, db.sql,
		`INSERT INTO universes (id, headline, ledger_id, status, final_story, final_story_hash, created_by, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, NULL, NULL, ?, ?, ?)`,
		u.ID, u.Headline, string(u.Status), u.CreatedBy, nowMs, nowMs,
	)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: create universe draft: %w", err)
	}
	return u, nil
}

// GetUniverse returns the universe with the given local identifier.
func (db *DB) GetUniverse(ctx context.Context, id string) (model.Universe, error) {
	return db.getUniverse(ctx, db.sql, id)
}

func (db *DB) getUniverse(ctx context.Context, q querier, id string) (model.Universe, error) {
	u, err := scanUniverse(db.queryRow(ctx, q,
		`SELECT `+universeColumns+` FROM universes WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Universe{}, fmt.Errorf("storage: universe %s: %w", id, ErrNotFound)
		}
		return model.Universe{}, fmt.Errorf("storage: get universe: %w", err)
	}
	return u, nil
}

// GetUniverseByLedgerID returns the universe bound to the given ledger identifier.
func (db *DB) GetUniverseByLedgerID(ctx context.Context, ledgerID uint64) (model.Universe, error) {
	arg, err := ledgerArg(ledgerID)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: ledger universe %d: %w", ledgerID, ErrNotFound)
	}
	u, err := scanUniverse(db.queryRow(ctx, db.sql,
		`SELECT `+universeColumns+` FROM universes WHERE ledger_id = ?`, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Universe{}, fmt.Errorf("storage: ledger universe %d: %w", ledgerID, ErrNotFound)
		}
		return model.Universe{}, fmt.Errorf("storage: get universe by ledger id: %w", err)
	}
	return u, nil
}

// ResolveUniverseReference looks up a universe by either identifier.
// An all-digit reference always routes to the ledger-id index and never falls
// back to the local-id index, even when a local id happens to be all digits.
func (db *DB) ResolveUniverseReference(ctx context.Context, ref string) (model.Universe, error) {
	if ledgerRefPattern.MatchString(ref) {
		ledgerID, err := strconv.ParseUint(ref, 10, 64)
		if err != nil {
			return model.Universe{}, fmt.Errorf("storage: ledger universe %s: %w", ref, ErrNotFound)
		}
		return db.GetUniverseByLedgerID(ctx, ledgerID)
	}
	return db.GetUniverse(ctx, ref)
}

// GetUniverseWithScenarios returns a universe and its scenarios in store order.
func (db *DB) GetUniverseWithScenarios(ctx context.Context, id string) (model.UniverseWithScenarios, error) {
	u, err := db.GetUniverse(ctx, id)
	if err != nil {
		return model.UniverseWithScenarios{}, err
	}
	scenarios, err := db.ListScenarios(ctx, id)
	if err != nil {
		return model.UniverseWithScenarios{}, err
	}
	return model.UniverseWithScenarios{Universe: u, Scenarios: scenarios}, nil
}

// ListUniverses returns universes newest first.
func (db *DB) ListUniverses(ctx context.Context, limit, offset int) ([]model.Universe, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.query(ctx, db.sql,
		`SELECT `+universeColumns+` FROM universes ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list universes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Universe
	for rows.Next() {
		u, err := scanUniverse(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan universe: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUniverseHeadline overwrites the headline of a universe that has not
// been published yet.
func (db *DB) UpdateUniverseHeadline(ctx context.Context, id, headline string) (model.Universe, error) {
	_, nowMs := db.nowMillis()
	guard, guardArgs := transitionGuard(model.StatusDraft)
	res, err := db.exec(ctx, db.sql,
		`UPDATE universes SET headline = ?, updated_at = ? WHERE id = ? AND `+guard,
		append([]any{headline, nowMs, id}, guardArgs...)...)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: update headline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := db.GetUniverse(ctx, id)
		if err != nil {
			return model.Universe{}, err
		}
		if u.Headline == headline {
			return u, nil
		}
		return model.Universe{}, transitionConflict(u, model.StatusDraft)
	}
	return db.GetUniverse(ctx, id)
}

// BindUniverseToLedger records the ledger identifier of a universe and moves
// it to OPEN. Binding the same pair again is a no-op. Binding a ledger id that
// already belongs to another universe, or a different id to an already bound
// universe, fails with ErrConflict.
func (db *DB) BindUniverseToLedger(ctx context.Context, id string, ledgerID uint64) (model.Universe, error) {
	arg, err := ledgerArg(ledgerID)
	if err != nil {
		return model.Universe{}, err
	}
	_, nowMs := db.nowMillis()
	guard, guardArgs := transitionGuard(model.StatusOpen)
	res, err := db.exec(ctx, db.sql,
		`UPDATE universes SET ledger_id = ?, status = ?, pending_create_tx = NULL, pending_create_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND ledger_id IS NULL AND `+guard,
		append([]any{arg, string(model.StatusOpen), nowMs, id}, guardArgs...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Universe{}, fmt.Errorf("storage: ledger universe %d already bound: %w", ledgerID, ErrConflict)
		}
		return model.Universe{}, fmt.Errorf("storage: bind universe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := db.GetUniverse(ctx, id)
		if err != nil {
			return model.Universe{}, err
		}
		if u.LedgerID != nil && *u.LedgerID == ledgerID {
			return u, nil
		}
		if u.LedgerID != nil {
			return model.Universe{}, fmt.Errorf("storage: universe %s already bound to ledger universe %d: %w", id, *u.LedgerID, ErrConflict)
		}
		return model.Universe{}, transitionConflict(u, model.StatusOpen)
	}
	return db.GetUniverse(ctx, id)
}

// SaveNarrative stores a composed narrative and its hash and moves the
// universe to PARTIAL. A PARTIAL universe may be overwritten by a later
// attempt; DRAFT and COMPLETE universes are rejected with ErrConflict.
func (db *DB) SaveNarrative(ctx context.Context, id, text, hash string) (model.Universe, error) {
	_, nowMs := db.nowMillis()
	guard, guardArgs := transitionGuard(model.StatusPartial)
	res, err := db.exec(ctx, db.sql,
		`UPDATE universes SET final_story = ?, final_story_hash = ?, status = ?, updated_at = ?
		 WHERE id = ? AND `+guard,
		append([]any{text, hash, string(model.StatusPartial), nowMs, id}, guardArgs...)...)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: save narrative: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := db.GetUniverse(ctx, id)
		if err != nil {
			return model.Universe{}, err
		}
		return model.Universe{}, transitionConflict(u, model.StatusPartial)
	}
	return db.GetUniverse(ctx, id)
}

// MarkComplete moves a published universe to COMPLETE and records the hash
// confirmed on the ledger. It does not compare confirmedHash with the stored
// narrative hash. Repeating the call with the same hash is a no-op.
func (db *DB) MarkComplete(ctx context.Context, id, confirmedHash string) (model.Universe, error) {
	_, nowMs := db.nowMillis()
	guard, guardArgs := transitionGuard(model.StatusComplete)
	res, err := db.exec(ctx, db.sql,
		`UPDATE universes SET final_story_hash = ?, status = ?, updated_at = ?
		 WHERE id = ? AND `+guard,
		append([]any{confirmedHash, string(model.StatusComplete), nowMs, id}, guardArgs...)...)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: mark complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := db.GetUniverse(ctx, id)
		if err != nil {
			return model.Universe{}, err
		}
		if u.Status == model.StatusComplete && u.FinalStoryHash != nil && *u.FinalStoryHash == confirmedHash {
			return u, nil
		}
		return model.Universe{}, transitionConflict(u, model.StatusComplete)
	}
	return db.GetUniverse(ctx, id)
}

// SetPendingCreate records the hash and expiry of a signed create_universe
// before it is sent. Only an unbound DRAFT universe accepts it; a newer
// record replaces an older one.
func (db *DB) SetPendingCreate(ctx context.Context, id, txHash string, expiresAt time.Time) (model.Universe, error) {
	_, nowMs := db.nowMillis()
	guard, guardArgs := transitionGuard(model.StatusDraft)
	res, err := db.exec(ctx, db.sql,
		`UPDATE universes SET pending_create_tx = ?, pending_create_expires_at = ?, updated_at = ?
		 WHERE id = ? AND ledger_id IS NULL AND `+guard,
		append([]any{txHash, expiresAt.UnixMilli(), nowMs, id}, guardArgs...)...)
	if err != nil {
		return model.Universe{}, fmt.Errorf("storage: set pending create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := db.GetUniverse(ctx, id)
		if err != nil {
			return model.Universe{}, err
		}
		return model.Universe{}, transitionConflict(u, model.StatusDraft)
	}
	return db.GetUniverse(ctx, id)
}

// ClearPendingCreate drops the pending create_universe record of an unbound
// universe once that transaction is known to have failed or expired.
func (db *DB) ClearPendingCreate(ctx context.Context, id string) (model.Universe, error) {
	_, nowMs := db.nowMillis()
	if _, err := db.exec(ctx, db.sql,
		`UPDATE universes SET pending_create_tx = NULL, pending_create_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND ledger_id IS NULL`, nowMs, id); err != nil {
		return model.Universe{}, fmt.Errorf("storage: clear pending create: %w", err)
	}
	return db.GetUniverse(ctx, id)
}

// transitionGuard returns a "status IN (...)" predicate and its arguments
// matching every status that may move to next.
func transitionGuard(next model.UniverseStatus) (string, []any) {
	from := model.StatusesAdvancingTo(next)
	args := make([]any, len(from))
	for i, s := range from {
		args[i] = string(s)
	}
	return "status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")", args
}

// transitionConflict explains why a guarded update of u matched no row.
func transitionConflict(u model.Universe, next model.UniverseStatus) error {
	if !u.Status.CanAdvanceTo(next) {
		return fmt.Errorf("storage: universe %s cannot move from %s to %s: %w", u.ID, u.Status, next, ErrConflict)
	}
	return fmt.Errorf("storage: universe %s changed while moving to %s: %w", u.ID, next, ErrConflict)
}
