// Package ledger is the gateway to the outcome Move module on a
// Movement/Aptos fullnode.
//
// Reads go through the fullnode view endpoint. Writes are entry function
// transactions signed by the administrator key. The raw transaction is built
// and BCS-encoded locally, so the key only ever signs the call the caller
// asked for, and the transaction hash is known before anything is sent.
// After submission the client polls until the transaction is committed or
// the confirmation wait expires. Writes are never retried here; callers
// decide how to resume.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	aptos "github.com/aptos-labs/aptos-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/outcomefi/outcome/internal/telemetry"
)

// Options configures a Client.
type Options struct {
	FullnodeURL   string // Base URL including the /v1 prefix.
	ModuleAddress string
	ModuleName    string
	Signer        *Signer // Nil for a read-only client.
	HTTPClient    *http.Client
	Logger        *slog.Logger

	TxTimeout    time.Duration // Confirmation wait per transaction. Default 180s.
	PollInterval time.Duration // Default 1s.
	MaxGasAmount uint64        // Default 200000.
	TxTTL        time.Duration // Expiration offset for submitted transactions. Default 10m.
	ChainID      uint8         // Zero reads the chain id from the fullnode on first write.
}

// Client talks to one fullnode on behalf of one module.
type Client struct {
	baseURL    string
	module     string // "<address>::<name>"
	moduleID   aptos.ModuleId
	signer     *Signer
	sender     aptos.AccountAddress
	httpClient *http.Client
	logger     *slog.Logger

	txTimeout    time.Duration
	pollInterval time.Duration
	maxGas       uint64
	txTTL        time.Duration
	now          func() time.Time

	chainMu sync.Mutex
	chainID uint8

	txDuration metric.Float64Histogram
	txCount    metric.Int64Counter
}

// New creates a ledger client.
func New(opts Options) (*Client, error) {
	if opts.FullnodeURL == "" {
		return nil, fmt.Errorf("ledger: fullnode URL is required")
	}
	if opts.ModuleAddress == "" || opts.ModuleName == "" {
		return nil, fmt.Errorf("ledger: module address and name are required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 180 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxGasAmount == 0 {
		opts.MaxGasAmount = 200_000
	}
	if opts.TxTTL <= 0 {
		opts.TxTTL = 10 * time.Minute
	}

	var moduleAddr aptos.AccountAddress
	if err := moduleAddr.ParseStringRelaxed(opts.ModuleAddress); err != nil {
		return nil, fmt.Errorf("ledger: module address %q: %w", opts.ModuleAddress, err)
	}
	var sender aptos.AccountAddress
	if opts.Signer != nil {
		if err := sender.ParseStringRelaxed(opts.Signer.Address()); err != nil {
			return nil, fmt.Errorf("ledger: signer address: %w", err)
		}
	}

	meter := telemetry.Meter("outcome/ledger")
	txDur, _ := meter.Float64Histogram("outcome.ledger.tx.duration",
		metric.WithDescription("Time from submission to confirmation of ledger writes"),
		metric.WithUnit("ms"),
	)
	txCount, _ := meter.Int64Counter("outcome.ledger.tx.count",
		metric.WithDescription("Ledger writes by entry function and outcome"),
	)

	return &Client{
		baseURL:      strings.TrimRight(opts.FullnodeURL, "/"),
		module:       opts.ModuleAddress + "::" + opts.ModuleName,
		moduleID:     aptos.ModuleId{Address: moduleAddr, Name: opts.ModuleName},
		signer:       opts.Signer,
		sender:       sender,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger,
		txTimeout:    opts.TxTimeout,
		pollInterval: opts.PollInterval,
		maxGas:       opts.MaxGasAmount,
		txTTL:        opts.TxTTL,
		now:          time.Now,
		chainID:      opts.ChainID,
		txDuration:   txDur,
		txCount:      txCount,
	}, nil
}

// SignerAddress returns the address writes are sent from, or "" for a
// read-only client.
func (c *Client) SignerAddress() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

func (c *Client) function(name string) string {
	return c.module + "::" + name
}

// apiError is the fullnode error body.
type apiError struct {
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	VMErrorCode *int   `json:"vm_error_code,omitempty"`
}

// statusError is returned by do for non-2xx responses.
type statusError struct {
	Status int
	Body   apiError
	Raw    string
}

func (e *statusError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("status %d: %s (%s)", e.Status, e.Body.Message, e.Body.ErrorCode)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Raw)
}

// aborted reports whether the fullnode rejected a view because the Move
// function aborted, which is how the module signals a missing object.
func (e *statusError) aborted() bool {
	msg := strings.ToLower(e.Body.Message)
	return e.Body.VMErrorCode != nil || strings.Contains(msg, "abort")
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
// Non-2xx responses come back as *statusError; network and decode failures
// wrap ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ledger: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransport, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{Status: resp.StatusCode, Raw: truncate(string(raw), 512)}
		_ = json.Unmarshal(raw, &se.Body)
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return nil
}

// classify maps a do error for a read into the package sentinels.
func classify(op string, err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.Status == http.StatusNotFound || se.aborted() {
			return fmt.Errorf("ledger: %s: %w: %v", op, ErrNotFound, se)
		}
		return fmt.Errorf("ledger: %s: %w: %v", op, ErrTransport, se)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) recordTx(ctx context.Context, fn string, started time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrTxFailed):
		outcome = "failed"
	case err != nil:
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("function", fn),
		attribute.String("outcome", outcome),
	)
	if c.txDuration != nil {
		c.txDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
	}
	if c.txCount != nil {
		c.txCount.Add(ctx, 1, attrs)
	}
}
