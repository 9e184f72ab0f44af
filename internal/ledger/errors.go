package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a view aborts because the requested
	// universe or scenario does not exist, or a transaction hash is unknown.
	ErrNotFound = errors.New("ledger: not found")

	// ErrTransport covers network failures and unexpected fullnode responses.
	ErrTransport = errors.New("ledger: transport error")

	// ErrTimeout is returned when a submitted transaction is not confirmed
	// within the configured wait. The transaction may still commit later.
	ErrTimeout = errors.New("ledger: confirmation timeout")

	// ErrTxFailed is returned when a transaction committed with a failing VM status.
	ErrTxFailed = errors.New("ledger: transaction failed")

	// ErrContractViolation is returned when a committed transaction does not
	// carry the event the contract promises, or a view returns a malformed shape.
	ErrContractViolation = errors.New("ledger: contract violation")

	// ErrNoSigner is returned by write operations on a read-only client.
	ErrNoSigner = errors.New("ledger: no signer configured")
)

// TimeoutError carries the hash of a transaction whose confirmation wait expired.
type TimeoutError struct {
	TxHash string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ledger: transaction %s not confirmed in time", e.TxHash)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// TxFailedError carries the VM status of a failed transaction.
type TxFailedError struct {
	TxHash   string
	VMStatus string
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("ledger: transaction %s failed: %s", e.TxHash, e.VMStatus)
}

func (e *TxFailedError) Unwrap() error { return ErrTxFailed }
