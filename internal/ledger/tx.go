package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	aptos "github.com/aptos-labs/aptos-go-sdk"

	"github.com/outcomefi/outcome/internal/model"
)

// Event type suffixes emitted by the module.
const (
	EventUniverseCreated = "::UniverseCreated"
	EventScenarioAdded   = "::ScenarioAdded"
)

// CreatedUniverse is the result of create_universe.
type CreatedUniverse struct {
	LedgerID uint64
	TxHash   string
}

// AddedScenario is the result of add_scenario.
type AddedScenario struct {
	LedgerID uint64
	TxHash   string
}

// Event is a module event attached to a committed transaction.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Transaction is the subset of a fullnode transaction the gateway reads.
type Transaction struct {
	Type     string  `json:"type"`
	Hash     string  `json:"hash"`
	Version  string  `json:"version"`
	Success  bool    `json:"success"`
	VMStatus string  `json:"vm_status"`
	Events   []Event `json:"events"`
}

// Pending reports whether the fullnode has not committed the transaction yet.
func (t Transaction) Pending() bool {
	return t.Type == "pending_transaction"
}

type entryPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type txSignature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type txRequest struct {
	Sender                  string       `json:"sender"`
	SequenceNumber          string       `json:"sequence_number"`
	MaxGasAmount            string       `json:"max_gas_amount"`
	GasUnitPrice            string       `json:"gas_unit_price"`
	ExpirationTimestampSecs string       `json:"expiration_timestamp_secs"`
	Payload                 entryPayload `json:"payload"`
	Signature               *txSignature `json:"signature,omitempty"`
}

// PreparedTx is a signed transaction that has not been sent yet. Hash is the
// hash the fullnode reports once it accepts the transaction, and ExpiresAt is
// the point after which it can no longer commit.
type PreparedTx struct {
	Function  string
	Hash      string
	ExpiresAt time.Time

	req txRequest
}

// CreateUniverse submits create_universe and returns the ledger id carried by
// the UniverseCreated event.
func (c *Client) CreateUniverse(ctx context.Context, headline string) (CreatedUniverse, error) {
	p, err := c.PrepareCreateUniverse(ctx, headline)
	if err != nil {
		return CreatedUniverse{}, err
	}
	return c.SubmitCreateUniverse(ctx, p)
}

// PrepareCreateUniverse builds and signs create_universe without sending it,
// so the caller can record the transaction hash first.
func (c *Client) PrepareCreateUniverse(ctx context.Context, headline string) (*PreparedTx, error) {
	return c.prepare(ctx, "create_universe", stringArg(headline))
}

// SubmitCreateUniverse sends a transaction from PrepareCreateUniverse and
// waits for its UniverseCreated event.
func (c *Client) SubmitCreateUniverse(ctx context.Context, p *PreparedTx) (CreatedUniverse, error) {
	tx, err := c.send(ctx, p)
	if err != nil {
		return CreatedUniverse{}, err
	}
	id, err := eventID(tx, EventUniverseCreated, "universe_id")
	if err != nil {
		return CreatedUniverse{}, err
	}
	return CreatedUniverse{LedgerID: id, TxHash: tx.Hash}, nil
}

// AddScenario submits add_scenario with the question and its four options as
// separate arguments.
func (c *Client) AddScenario(ctx context.Context, universeID uint64, question string, options []string) (AddedScenario, error) {
	if len(options) != model.OptionsPerScenario {
		return AddedScenario{}, fmt.Errorf("ledger: add_scenario needs %d options, got %d", model.OptionsPerScenario, len(options))
	}
	args := []entryArg{u64EntryArg(universeID), stringArg(question)}
	for _, o := range options {
		args = append(args, stringArg(o))
	}
	tx, err := c.submit(ctx, "add_scenario", args...)
	if err != nil {
		return AddedScenario{}, err
	}
	id, err := eventID(tx, EventScenarioAdded, "scenario_id")
	if err != nil {
		return AddedScenario{}, err
	}
	return AddedScenario{LedgerID: id, TxHash: tx.Hash}, nil
}

// SealUniverse submits seal_universe and returns the transaction hash.
func (c *Client) SealUniverse(ctx context.Context, universeID uint64, storyHash string) (string, error) {
	tx, err := c.submit(ctx, "seal_universe", u64EntryArg(universeID), stringArg(storyHash))
	if err != nil {
		return "", err
	}
	return tx.Hash, nil
}

// UniverseCreatedByTx reads an already committed create_universe transaction
// and returns the ledger id it created. Used to recover from a confirmation
// timeout without submitting again.
func (c *Client) UniverseCreatedByTx(ctx context.Context, txHash string) (CreatedUniverse, error) {
	tx, err := c.TransactionByHash(ctx, txHash)
	if err != nil {
		return CreatedUniverse{}, err
	}
	if tx.Pending() {
		return CreatedUniverse{}, &TimeoutError{TxHash: txHash}
	}
	if !tx.Success {
		return CreatedUniverse{}, &TxFailedError{TxHash: txHash, VMStatus: tx.VMStatus}
	}
	id, err := eventID(tx, EventUniverseCreated, "universe_id")
	if err != nil {
		return CreatedUniverse{}, err
	}
	return CreatedUniverse{LedgerID: id, TxHash: tx.Hash}, nil
}

// TransactionByHash fetches a transaction. Unknown hashes, and strings that
// cannot be a transaction hash, yield ErrNotFound.
func (c *Client) TransactionByHash(ctx context.Context, txHash string) (Transaction, error) {
	if !model.IsTxHash(txHash) {
		return Transaction{}, fmt.Errorf("ledger: transaction by hash: %q is not a transaction hash: %w", txHash, ErrNotFound)
	}
	var tx Transaction
	if err := c.do(ctx, http.MethodGet, "/transactions/by_hash/"+txHash, nil, &tx); err != nil {
		return Transaction{}, classify("transaction by hash", err)
	}
	return tx, nil
}

func (c *Client) submit(ctx context.Context, fn string, args ...entryArg) (Transaction, error) {
	p, err := c.prepare(ctx, fn, args...)
	if err != nil {
		return Transaction{}, err
	}
	return c.send(ctx, p)
}

// prepare reads the sender's sequence number and a gas price, builds the raw
// transaction, signs its signing message and computes the transaction hash.
func (c *Client) prepare(ctx context.Context, fn string, args ...entryArg) (*PreparedTx, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	chainID, err := c.chain(ctx)
	if err != nil {
		return nil, classifyWrite(fn, "read ledger info", err)
	}

	sender := c.signer.Address()
	var account struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if err := c.do(ctx, http.MethodGet, "/accounts/"+sender, nil, &account); err != nil {
		return nil, classifyWrite(fn, "read account", err)
	}
	seq, err := strconv.ParseUint(account.SequenceNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w: sequence number %q", fn, ErrTransport, account.SequenceNumber)
	}

	var gas struct {
		GasEstimate uint64 `json:"gas_estimate"`
	}
	if err := c.do(ctx, http.MethodGet, "/estimate_gas_price", nil, &gas); err != nil {
		return nil, classifyWrite(fn, "estimate gas", err)
	}
	if gas.GasEstimate == 0 {
		gas.GasEstimate = 100
	}

	expires := c.now().Add(c.txTTL).Truncate(time.Second)
	values := make([]any, len(args))
	encoded := make([][]byte, len(args))
	for i, a := range args {
		values[i] = a.value
		encoded[i] = a.bcs
	}

	raw := &aptos.RawTransaction{
		Sender:         c.sender,
		SequenceNumber: seq,
		Payload: aptos.TransactionPayload{Payload: &aptos.EntryFunction{
			Module:   c.moduleID,
			Function: fn,
			ArgTypes: []aptos.TypeTag{},
			Args:     encoded,
		}},
		MaxGasAmount:               c.maxGas,
		GasUnitPrice:               gas.GasEstimate,
		ExpirationTimestampSeconds: uint64(expires.Unix()), //nolint:gosec // always after the epoch
		ChainId:                    chainID,
	}
	msg, err := raw.SigningMessage()
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: encode transaction: %w", fn, err)
	}
	sig := c.signer.Sign(msg)
	pub := c.signer.publicKey()

	return &PreparedTx{
		Function:  fn,
		Hash:      userTransactionHash(msg[signingPrefixLen:], pub, sig),
		ExpiresAt: expires,
		req: txRequest{
			Sender:                  sender,
			SequenceNumber:          strconv.FormatUint(seq, 10),
			MaxGasAmount:            strconv.FormatUint(c.maxGas, 10),
			GasUnitPrice:            strconv.FormatUint(gas.GasEstimate, 10),
			ExpirationTimestampSecs: strconv.FormatInt(expires.Unix(), 10),
			Payload: entryPayload{
				Type:          "entry_function_payload",
				Function:      c.function(fn),
				TypeArguments: []string{},
				Arguments:     values,
			},
			Signature: &txSignature{
				Type:      "ed25519_signature",
				PublicKey: c.signer.PublicKeyHex(),
				Signature: "0x" + hex.EncodeToString(sig),
			},
		},
	}, nil
}

// send submits a prepared transaction and waits for confirmation. The hash
// the fullnode reports must match the locally computed one.
func (c *Client) send(ctx context.Context, p *PreparedTx) (tx Transaction, err error) {
	started := time.Now()
	defer func() { c.recordTx(ctx, p.Function, started, err) }()

	var pending Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", p.req, &pending); err != nil {
		return Transaction{}, classifyWrite(p.Function, "submit", err)
	}
	if !strings.EqualFold(pending.Hash, p.Hash) {
		return Transaction{}, fmt.Errorf("ledger: %s: %w: fullnode reported hash %q for transaction %s",
			p.Function, ErrContractViolation, pending.Hash, p.Hash)
	}

	c.logger.Info("ledger: transaction submitted", "function", p.Function, "tx_hash", p.Hash)
	return c.waitForTransaction(ctx, p.Function, p.Hash)
}

// chain returns the configured chain id, reading it from the fullnode's
// ledger info the first time when none was configured.
func (c *Client) chain(ctx context.Context) (uint8, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != 0 {
		return c.chainID, nil
	}
	var info struct {
		ChainID uint8 `json:"chain_id"`
	}
	if err := c.do(ctx, http.MethodGet, "", nil, &info); err != nil {
		return 0, err
	}
	if info.ChainID == 0 {
		return 0, fmt.Errorf("%w: ledger info has no chain id", ErrTransport)
	}
	c.chainID = info.ChainID
	return c.chainID, nil
}

// waitForTransaction polls until the transaction is committed or the
// confirmation wait expires.
func (c *Client) waitForTransaction(ctx context.Context, fn, txHash string) (Transaction, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		tx, err := c.TransactionByHash(waitCtx, txHash)
		switch {
		case err == nil && !tx.Pending():
			if !tx.Success {
				return tx, &TxFailedError{TxHash: txHash, VMStatus: tx.VMStatus}
			}
			c.logger.Info("ledger: transaction committed", "function", fn, "tx_hash", txHash, "version", tx.Version)
			return tx, nil
		case err == nil, errors.Is(err, ErrNotFound):
			// Still pending or not yet indexed.
		case waitCtx.Err() == nil:
			c.logger.Warn("ledger: poll transaction", "tx_hash", txHash, "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Transaction{}, fmt.Errorf("ledger: %s: wait for %s: %w", fn, txHash, ctx.Err())
			}
			return Transaction{}, &TimeoutError{TxHash: txHash}
		case <-ticker.C:
		}
	}
}

// classifyWrite maps failures before submission. An abort during encoding or
// submission means the module rejected the call.
func classifyWrite(fn, step string, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.aborted() {
			return fmt.Errorf("ledger: %s: %s: %w: %v", fn, step, ErrTxFailed, se)
		}
		return fmt.Errorf("ledger: %s: %s: %w: %v", fn, step, ErrTransport, se)
	}
	return fmt.Errorf("ledger: %s: %s: %w", fn, step, err)
}

// eventID finds the first event whose type ends with suffix and decodes the
// named numeric field from its data.
func eventID(tx Transaction, suffix, field string) (uint64, error) {
	for _, ev := range tx.Events {
		if !strings.HasSuffix(ev.Type, suffix) {
			continue
		}
		var data map[string]json.RawMessage
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return 0, fmt.Errorf("ledger: %w: event %s on %s has malformed data", ErrContractViolation, suffix, tx.Hash)
		}
		raw, ok := data[field]
		if !ok {
			return 0, fmt.Errorf("ledger: %w: event %s on %s lacks %s", ErrContractViolation, suffix, tx.Hash, field)
		}
		id, err := decodeU64(raw)
		if err != nil {
			return 0, fmt.Errorf("ledger: %w: event %s on %s: %v", ErrContractViolation, suffix, tx.Hash, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("ledger: %w: missing expected event %s on transaction %s", ErrContractViolation, suffix, tx.Hash)
}
