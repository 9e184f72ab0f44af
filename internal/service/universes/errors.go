package universes

import "errors"

// Workflow errors. Storage, ledger and agent errors pass through wrapped and
// are classified by the caller with errors.Is/As.
var (
	// ErrNotPublished is returned by operations that need a universe bound
	// to the ledger.
	ErrNotPublished = errors.New("universes: universe is not published")

	// ErrAlreadySealed is returned when the universe is already COMPLETE.
	ErrAlreadySealed = errors.New("universes: universe is already sealed")

	// ErrScenarioCountMismatch is returned when the stored scenario set does
	// not have as many scenarios as the publish request.
	ErrScenarioCountMismatch = errors.New("universes: stored scenario count does not match request")

	// ErrScenarioSetMismatch is returned when a publish resumes a bound
	// universe with a scenario set that differs from the stored one.
	ErrScenarioSetMismatch = errors.New("universes: scenario set differs from the published set")

	// ErrNoResolvedScenarios is returned when the ledger reports no RESOLVED
	// scenario for the universe. Retrying will not help until voting ends.
	ErrNoResolvedScenarios = errors.New("universes: no resolved scenarios")

	// ErrHashMismatch is returned under the strict seal policy when the
	// supplied hash differs from the hash of the stored narrative.
	ErrHashMismatch = errors.New("universes: story hash does not match narrative")

	// ErrCreatePending is returned by Publish while a previously submitted
	// create_universe for the same universe may still commit.
	ErrCreatePending = errors.New("universes: create_universe still pending")

	// ErrLedgerMismatch is returned when a reconciled transaction created a
	// ledger universe that does not match the local one.
	ErrLedgerMismatch = errors.New("universes: ledger universe does not match local universe")
)
