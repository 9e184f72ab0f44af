// Package ledgertest provides an in-memory fullnode that speaks the subset of
// the Movement/Aptos REST API used by the ledger gateway, for tests.
package ledgertest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// ChainID is the chain id the fake reports and expects in signed
// transactions.
const ChainID uint8 = 4

// Universe is the fake's state for one universe.
type Universe struct {
	ID             uint64
	Headline       string
	ScenarioIDs    []uint64
	Status         uint8
	FinalStoryHash string
	Admin          string
}

// Scenario is the fake's state for one scenario.
type Scenario struct {
	ID            uint64
	UniverseID    uint64
	Question      string
	Choices       []string
	Phase         uint8
	WinningChoice uint8
	VoteCounts    [4]uint64
}

// Call records a submitted entry function call together with the signing
// message the fake rebuilt from it and the signature it verified.
type Call struct {
	Function       string
	Arguments      []any
	TxHash         string
	SigningMessage []byte
	Signature      []byte
	PublicKey      ed25519.PublicKey
}

type entryPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type unsignedTx struct {
	Sender                  string       `json:"sender"`
	SequenceNumber          string       `json:"sequence_number"`
	MaxGasAmount            string       `json:"max_gas_amount"`
	GasUnitPrice            string       `json:"gas_unit_price"`
	ExpirationTimestampSecs string       `json:"expiration_timestamp_secs"`
	Payload                 entryPayload `json:"payload"`
}

type signedTx struct {
	unsignedTx
	Signature struct {
		Type      string `json:"type"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	} `json:"signature"`
}

type txRecord struct {
	body  map[string]any
	polls int
}

// Fullnode is a fake fullnode backed by an httptest.Server.
type Fullnode struct {
	Server *httptest.Server

	mu           sync.Mutex
	universes    map[uint64]*Universe
	scenarios    map[uint64]*Scenario
	txs          map[string]*txRecord
	calls        []Call
	sequence     map[string]uint64
	nextUniverse uint64
	nextScenario uint64

	pendingPolls  int
	neverCommit   bool
	rejectSubmit  bool
	failFunctions map[string]string
	omitEvents    map[string]bool
}

// SetPendingPolls sets how many polls a new transaction reports pending
// before it is visible as committed.
func (f *Fullnode) SetPendingPolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingPolls = n
}

// SetNeverCommit keeps every transaction pending while on.
func (f *Fullnode) SetNeverCommit(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverCommit = on
}

// SetRejectSubmissions makes POST /transactions answer 503 without
// accepting the transaction while on.
func (f *Fullnode) SetRejectSubmissions(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSubmit = on
}

// FailFunction makes calls to fn commit with success=false, the given VM
// status and no effects.
func (f *Fullnode) FailFunction(fn, vmStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFunctions[fn] = vmStatus
}

// ClearFailure undoes FailFunction for fn.
func (f *Fullnode) ClearFailure(fn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failFunctions, fn)
}

// OmitEvent makes calls to fn commit without their module event.
func (f *Fullnode) OmitEvent(fn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.omitEvents[fn] = true
}

// NewFullnode starts a fake fullnode. Close it with Close.
func NewFullnode() *Fullnode {
	f := &Fullnode{
		universes:     map[uint64]*Universe{},
		scenarios:     map[uint64]*Scenario{},
		txs:           map[string]*txRecord{},
		sequence:      map[string]uint64{},
		nextUniverse:  1,
		nextScenario:  1,
		failFunctions: map[string]string{},
		omitEvents:    map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/view", f.handleView)
	mux.HandleFunc("GET /v1/accounts/{address}", f.handleAccount)
	mux.HandleFunc("GET /v1/estimate_gas_price", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"gas_estimate": 100})
	})
	mux.HandleFunc("GET /v1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"chain_id": ChainID, "ledger_version": "1"})
	})
	mux.HandleFunc("POST /v1/transactions", f.handleSubmit)
	mux.HandleFunc("GET /v1/transactions/by_hash/{hash}", f.handleByHash)
	f.Server = httptest.NewServer(mux)
	return f
}

// URL returns the base URL including the /v1 prefix.
func (f *Fullnode) URL() string { return f.Server.URL + "/v1" }

// Close shuts the server down.
func (f *Fullnode) Close() { f.Server.Close() }

// Calls returns the entry function calls submitted so far.
func (f *Fullnode) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many calls to fn were submitted.
func (f *Fullnode) CallCount(fn string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Function == fn {
			n++
		}
	}
	return n
}

// Universe returns a copy of a universe's state.
func (f *Fullnode) Universe(id uint64) (Universe, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.universes[id]
	if !ok {
		return Universe{}, false
	}
	return *u, true
}

// Reopen moves a scenario back to the commit phase and clears its winner.
func (f *Fullnode) Reopen(scenarioID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenarios[scenarioID]
	if !ok {
		panic(fmt.Sprintf("ledgertest: unknown scenario %d", scenarioID))
	}
	s.Phase = 0
	s.WinningChoice = 0
}

// Resolve moves a scenario to RESOLVED with the given winner and votes.
func (f *Fullnode) Resolve(scenarioID uint64, winning uint8, votes [4]uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenarios[scenarioID]
	if !ok {
		panic(fmt.Sprintf("ledgertest: unknown scenario %d", scenarioID))
	}
	s.Phase = 2
	s.WinningChoice = winning
	s.VoteCounts = votes
}

// SeedUniverse inserts a universe directly, bypassing transactions.
func (f *Fullnode) SeedUniverse(headline, admin string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextUniverse
	f.nextUniverse++
	f.universes[id] = &Universe{ID: id, Headline: headline, Admin: admin}
	return id
}

// SeedScenario inserts a scenario directly, bypassing transactions.
func (f *Fullnode) SeedScenario(universeID uint64, question string, choices []string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextScenario
	f.nextScenario++
	f.scenarios[id] = &Scenario{ID: id, UniverseID: universeID, Question: question, Choices: choices}
	if u, ok := f.universes[universeID]; ok {
		u.ScenarioIDs = append(u.ScenarioIDs, id)
	}
	return id
}

func (f *Fullnode) handleAccount(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	seq := f.sequence[r.PathValue("address")]
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"sequence_number": strconv.FormatUint(seq, 10)})
}

func (f *Fullnode) handleSubmit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	reject := f.rejectSubmit
	f.mu.Unlock()
	if reject {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "mempool is full", "error_code": "mempool_is_full"})
		return
	}

	var tx signedTx
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error(), "error_code": "invalid_input"})
		return
	}
	raw, err := rawTransaction(tx.unsignedTx, ChainID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error(), "error_code": "invalid_input"})
		return
	}
	msg := append(append([]byte(nil), rawTransactionPrefix...), raw...)
	pub, err1 := hex.DecodeString(strings.TrimPrefix(tx.Signature.PublicKey, "0x"))
	sig, err2 := hex.DecodeString(strings.TrimPrefix(tx.Signature.Signature, "0x"))
	if err1 != nil || err2 != nil || len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid signature", "error_code": "invalid_signature"})
		return
	}

	hash := transactionHash(raw, pub, sig)
	fn := tx.Payload.Function[strings.LastIndex(tx.Payload.Function, "::")+2:]

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequence[tx.Sender]++
	f.calls = append(f.calls, Call{
		Function:       fn,
		Arguments:      tx.Payload.Arguments,
		TxHash:         hash,
		SigningMessage: msg,
		Signature:      sig,
		PublicKey:      pub,
	})

	body := map[string]any{
		"type":      "user_transaction",
		"hash":      hash,
		"version":   strconv.Itoa(len(f.calls)),
		"success":   true,
		"vm_status": "Executed successfully",
		"events":    []any{},
	}
	if status, ok := f.failFunctions[fn]; ok {
		body["success"] = false
		body["vm_status"] = status
	} else if ev := f.apply(fn, tx.Sender, tx.Payload); ev != nil && !f.omitEvents[fn] {
		body["events"] = []any{ev}
	}
	f.txs[hash] = &txRecord{body: body}

	writeJSON(w, http.StatusAccepted, map[string]any{"type": "pending_transaction", "hash": hash})
}

// apply runs an entry function against the fake state and returns its event.
// Caller holds f.mu.
func (f *Fullnode) apply(fn, sender string, p entryPayload) map[string]any {
	module := p.Function[:strings.LastIndex(p.Function, "::")]
	str := func(i int) string {
		if i >= len(p.Arguments) {
			return ""
		}
		s, _ := p.Arguments[i].(string)
		return s
	}
	u64 := func(i int) uint64 {
		v, _ := strconv.ParseUint(str(i), 10, 64)
		return v
	}

	switch fn {
	case "create_universe":
		id := f.nextUniverse
		f.nextUniverse++
		f.universes[id] = &Universe{ID: id, Headline: str(0), Admin: sender}
		return map[string]any{
			"type": module + "::UniverseCreated",
			"data": map[string]any{"universe_id": strconv.FormatUint(id, 10)},
		}
	case "add_scenario":
		uid := u64(0)
		id := f.nextScenario
		f.nextScenario++
		f.scenarios[id] = &Scenario{
			ID: id, UniverseID: uid, Question: str(1),
			Choices: []string{str(2), str(3), str(4), str(5)},
		}
		if u, ok := f.universes[uid]; ok {
			u.ScenarioIDs = append(u.ScenarioIDs, id)
		}
		return map[string]any{
			"type": module + "::ScenarioAdded",
			"data": map[string]any{"scenario_id": strconv.FormatUint(id, 10), "universe_id": strconv.FormatUint(uid, 10)},
		}
	case "seal_universe":
		if u, ok := f.universes[u64(0)]; ok {
			u.Status = 1
			u.FinalStoryHash = str(1)
		}
		return map[string]any{
			"type": module + "::UniverseSealed",
			"data": map[string]any{"universe_id": str(0), "story_hash": str(1)},
		}
	}
	return nil
}

func (f *Fullnode) handleByHash(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.txs[hash]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Transaction not found by Transaction hash(" + hash + ")", "error_code": "transaction_not_found"})
		return
	}
	rec.polls++
	if f.neverCommit || rec.polls <= f.pendingPolls {
		writeJSON(w, http.StatusOK, map[string]any{"type": "pending_transaction", "hash": hash})
		return
	}
	writeJSON(w, http.StatusOK, rec.body)
}

type viewRequest struct {
	Function  string `json:"function"`
	Arguments []any  `json:"arguments"`
}

func (f *Fullnode) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error(), "error_code": "invalid_input"})
		return
	}
	fn := req.Function[strings.LastIndex(req.Function, "::")+2:]
	arg := func(i int) string {
		if i >= len(req.Arguments) {
			return ""
		}
		s, _ := req.Arguments[i].(string)
		return s
	}
	id, _ := strconv.ParseUint(arg(0), 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch fn {
	case "get_universe":
		u, ok := f.universes[id]
		if !ok {
			abort(w, fn)
			return
		}
		writeJSON(w, http.StatusOK, []any{
			strconv.FormatUint(u.ID, 10), u.Headline, u64Strings(u.ScenarioIDs), u.Status, u.FinalStoryHash, u.Admin,
		})
	case "list_universe_scenarios":
		u, ok := f.universes[id]
		if !ok {
			abort(w, fn)
			return
		}
		writeJSON(w, http.StatusOK, []any{u64Strings(u.ScenarioIDs)})
	case "get_scenario":
		s, ok := f.scenarios[id]
		if !ok {
			abort(w, fn)
			return
		}
		votes := s.VoteCounts[0] + s.VoteCounts[1] + s.VoteCounts[2] + s.VoteCounts[3]
		writeJSON(w, http.StatusOK, []any{
			strconv.FormatUint(s.ID, 10), strconv.FormatUint(s.UniverseID, 10), s.Question, s.Choices,
			s.Phase, strconv.FormatUint(votes, 10), s.WinningChoice,
		})
	case "get_vote_counts":
		s, ok := f.scenarios[id]
		if !ok {
			abort(w, fn)
			return
		}
		writeJSON(w, http.StatusOK, []any{u64Strings(s.VoteCounts[:])})
	case "has_voted", "has_voted_in_scenario":
		writeJSON(w, http.StatusOK, []any{false})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "unknown function " + fn, "error_code": "invalid_input"})
	}
}

func abort(w http.ResponseWriter, fn string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"message":       "Invalid input: Move abort in " + fn + ": E_NOT_FOUND(0x1)",
		"error_code":    "invalid_input",
		"vm_error_code": 4016,
	})
}

func u64Strings(ids []uint64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
