package ledger_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomefi/outcome/internal/ledger"
	"github.com/outcomefi/outcome/internal/ledger/ledgertest"
	"github.com/outcomefi/outcome/internal/model"
)

const (
	testSeed   = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	moduleAddr = "0x63c5215e87770d17b9f4cd47c777e322f4eb152cfd2054c1080fd9d57c48913b"
)

var options4 = []string{"Yes, fully", "Partially", "No change", "Reversed later"}

func newClient(t *testing.T, node *ledgertest.Fullnode, mutate ...func(*ledger.Options)) *ledger.Client {
	t.Helper()
	signer, err := ledger.ParsePrivateKey(testSeed)
	require.NoError(t, err)
	opts := ledger.Options{
		FullnodeURL:   node.URL(),
		ModuleAddress: moduleAddr,
		ModuleName:    "outcome_fi",
		Signer:        signer,
		PollInterval:  5 * time.Millisecond,
		TxTimeout:     2 * time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := ledger.New(opts)
	require.NoError(t, err)
	return c
}

func TestNewRequiresModule(t *testing.T) {
	_, err := ledger.New(ledger.Options{FullnodeURL: "http://x"})
	assert.Error(t, err)
	_, err = ledger.New(ledger.Options{ModuleAddress: "0x1", ModuleName: "m"})
	assert.Error(t, err)
}

func TestCreateUniverseAndAddScenarios(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	node.SetPendingPolls(2)
	c := newClient(t, node)
	ctx := context.Background()

	created, err := c.CreateUniverse(ctx, "City council bans e-scooters")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.LedgerID)
	assert.NotEmpty(t, created.TxHash)

	var ids []uint64
	for _, q := range []string{"Will the ban survive appeal?", "Will rentals fall by half?"} {
		added, err := c.AddScenario(ctx, created.LedgerID, q, options4)
		require.NoError(t, err)
		ids = append(ids, added.LedgerID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)

	calls := node.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "add_scenario", calls[1].Function)
	assert.Equal(t, []any{"1", "Will the ban survive appeal?", "Yes, fully", "Partially", "No change", "Reversed later"}, calls[1].Arguments)

	snap, err := c.FetchUniverseState(ctx, created.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, "City council bans e-scooters", snap.Headline)
	assert.Equal(t, []uint64{1, 2}, snap.ScenarioIDs)
	require.Len(t, snap.Scenarios, 2)
	assert.Equal(t, options4, snap.Scenarios[0].Choices)
	assert.Equal(t, []uint64{0, 0, 0, 0}, snap.Scenarios[1].VoteCounts)
	assert.True(t, ledger.SameAddress(moduleAddr, snap.Admin))
}

func TestAddScenarioRejectsWrongOptionCount(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node)

	_, err := c.AddScenario(context.Background(), 1, "Question text here?", []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Zero(t, node.CallCount("add_scenario"))
}

func TestFetchUniverseStateResolved(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	uid := node.SeedUniverse("Headline of the seeded universe", moduleAddr)
	s1 := node.SeedScenario(uid, "First question?", options4)
	node.SeedScenario(uid, "Second question?", options4)
	node.Resolve(s1, 2, [4]uint64{1, 0, 7, 2})

	snap, err := newClient(t, node).FetchUniverseState(context.Background(), uid)
	require.NoError(t, err)
	resolved := snap.Resolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, model.PhaseResolved, resolved[0].Phase)
	assert.Equal(t, 2, resolved[0].WinningChoice)
	assert.Equal(t, "No change", resolved[0].WinningChoiceText())
	assert.Equal(t, uint64(10), resolved[0].TotalVotes)
	assert.Equal(t, []uint64{1, 0, 7, 2}, resolved[0].VoteCounts)
}

func TestViewNotFound(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node)

	_, err := c.GetUniverse(context.Background(), 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = c.FetchUniverseState(context.Background(), 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestViewTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c, err := ledger.New(ledger.Options{FullnodeURL: srv.URL + "/v1", ModuleAddress: moduleAddr, ModuleName: "outcome_fi"})
	require.NoError(t, err)

	_, err = c.GetUniverse(context.Background(), 1)
	assert.ErrorIs(t, err, ledger.ErrTransport)

	srv.Close()
	_, err = c.GetScenario(context.Background(), 1)
	assert.ErrorIs(t, err, ledger.ErrTransport)
}

func TestMalformedViewIsContractViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{"1", "headline"})
	}))
	defer srv.Close()
	c, err := ledger.New(ledger.Options{FullnodeURL: srv.URL + "/v1", ModuleAddress: moduleAddr, ModuleName: "outcome_fi"})
	require.NoError(t, err)

	_, err = c.GetUniverse(context.Background(), 1)
	assert.ErrorIs(t, err, ledger.ErrContractViolation)
}

func TestMissingEventIsContractViolation(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	node.OmitEvent("create_universe")

	_, err := newClient(t, node).CreateUniverse(context.Background(), "City council bans e-scooters")
	assert.ErrorIs(t, err, ledger.ErrContractViolation)
}

func TestFailedTransaction(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	node.FailFunction("seal_universe", "Move abort: E_ALREADY_SEALED")

	_, err := newClient(t, node).SealUniverse(context.Background(), 1, "0xabc")
	require.ErrorIs(t, err, ledger.ErrTxFailed)
	var failed *ledger.TxFailedError
	require.True(t, errors.As(err, &failed))
	assert.Contains(t, failed.VMStatus, "E_ALREADY_SEALED")
}

func TestConfirmationTimeoutCarriesHash(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	node.SetNeverCommit(true)
	c := newClient(t, node, func(o *ledger.Options) { o.TxTimeout = 50 * time.Millisecond })

	_, err := c.CreateUniverse(context.Background(), "City council bans e-scooters")
	require.ErrorIs(t, err, ledger.ErrTimeout)
	var timeout *ledger.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, node.Calls()[0].TxHash, timeout.TxHash)

	// Once the transaction lands, the id can be recovered from its hash.
	node.SetNeverCommit(false)
	created, err := c.UniverseCreatedByTx(context.Background(), timeout.TxHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.LedgerID)
	assert.Equal(t, 1, node.CallCount("create_universe"))
}

func TestUniverseCreatedByTxUnknownHash(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	_, err := newClient(t, node).UniverseCreatedByTx(context.Background(), "0x"+strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSealUniverse(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node)
	ctx := context.Background()

	created, err := c.CreateUniverse(ctx, "City council bans e-scooters")
	require.NoError(t, err)
	txHash, err := c.SealUniverse(ctx, created.LedgerID, "0xfeed")
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	u, ok := node.Universe(created.LedgerID)
	require.True(t, ok)
	assert.Equal(t, "0xfeed", u.FinalStoryHash)
}

func TestWritesRequireSigner(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node, func(o *ledger.Options) { o.Signer = nil })

	_, err := c.CreateUniverse(context.Background(), "City council bans e-scooters")
	assert.ErrorIs(t, err, ledger.ErrNoSigner)
	assert.Empty(t, c.SignerAddress())
}

func TestBoolViews(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node)

	voted, err := c.HasVoted(context.Background(), moduleAddr)
	require.NoError(t, err)
	assert.False(t, voted)
	voted, err = c.HasVotedInScenario(context.Background(), 1, moduleAddr)
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestPrepareRecordsHashBeforeSubmit(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node)
	ctx := context.Background()

	p, err := c.PrepareCreateUniverse(ctx, "City council bans e-scooters")
	require.NoError(t, err)
	assert.True(t, model.IsTxHash(p.Hash))
	assert.True(t, p.ExpiresAt.After(time.Now()))
	assert.Empty(t, node.Calls())

	created, err := c.SubmitCreateUniverse(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, p.Hash, created.TxHash)
	require.Len(t, node.Calls(), 1)
	assert.Equal(t, p.Hash, node.Calls()[0].TxHash)
}

func TestSigningMessageIsBuiltLocally(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()

	forged := []byte("transfer everything to 0xbad")
	var encodeHits atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/encode_submission") {
			encodeHits.Add(1)
			_ = json.NewEncoder(w).Encode("0x" + strings.Repeat("00", len(forged)))
			return
		}
		node.Server.Config.Handler.ServeHTTP(w, r)
	}))
	defer proxy.Close()

	c := newClient(t, node, func(o *ledger.Options) { o.FullnodeURL = proxy.URL + "/v1" })
	created, err := c.CreateUniverse(context.Background(), "City council bans e-scooters")
	require.NoError(t, err)
	assert.Zero(t, encodeHits.Load())

	calls := node.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, created.TxHash, call.TxHash)
	assert.True(t, bytes.HasPrefix(call.SigningMessage, ledgertest.RawTransactionPrefix()))
	assert.True(t, ed25519.Verify(call.PublicKey, call.SigningMessage, call.Signature))
	assert.False(t, ed25519.Verify(call.PublicKey, forged, call.Signature))
	assert.True(t, bytes.Contains(call.SigningMessage, []byte("City council bans e-scooters")))
}

func TestWrongChainIDIsRejected(t *testing.T) {
	node := ledgertest.NewFullnode()
	defer node.Close()
	c := newClient(t, node, func(o *ledger.Options) { o.ChainID = ledgertest.ChainID + 1 })

	_, err := c.CreateUniverse(context.Background(), "City council bans e-scooters")
	require.Error(t, err)
	assert.Zero(t, node.CallCount("create_universe"))
}

func TestTransactionByHashRejectsNonHashes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"sequence_number": "0"})
	}))
	defer srv.Close()
	c, err := ledger.New(ledger.Options{FullnodeURL: srv.URL + "/v1", ModuleAddress: moduleAddr, ModuleName: "outcome_fi"})
	require.NoError(t, err)

	for _, h := range []string{
		"0x/../accounts/" + moduleAddr,
		"0xdeadbeef",
		strings.Repeat("ab", 32),
		"0x" + strings.Repeat("ab", 31) + "zz",
		"0x" + strings.Repeat("ab", 32) + "?x=1",
	} {
		_, err := c.TransactionByHash(context.Background(), h)
		assert.ErrorIs(t, err, ledger.ErrNotFound, h)
		_, err = c.UniverseCreatedByTx(context.Background(), h)
		assert.ErrorIs(t, err, ledger.ErrNotFound, h)
	}
	assert.Zero(t, hits.Load())
}
