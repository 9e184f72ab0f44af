package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomefi/outcome/internal/ledger/ledgertest"
	"github.com/outcomefi/outcome/internal/mcp"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/ratelimit"
	"github.com/outcomefi/outcome/internal/server"
	"github.com/outcomefi/outcome/internal/service/agents"
	"github.com/outcomefi/outcome/internal/service/universes"
	"github.com/outcomefi/outcome/internal/testutil"
)

const (
	admin    = "0xA11CE"
	headline = "City council bans e-scooters downtown"
	topic    = "downtown scooter"
)

type env struct {
	ts   *httptest.Server
	node *ledgertest.Fullnode
	llm  *testutil.ScriptedLLM
}

func newEnv(t *testing.T, limiter ratelimit.Limiter) *env {
	t.Helper()
	node := ledgertest.NewFullnode()
	t.Cleanup(node.Close)
	db := testutil.NewSQLiteDB(t)
	fake := &testutil.ScriptedLLM{}
	logger := testutil.TestLogger()
	svc := universes.New(db, testutil.NewLedgerClient(t, node),
		agents.NewPlanner(fake, 3, logger), agents.NewComposer(fake, 3, logger),
		universes.Options{Logger: logger})
	srv := server.New(server.ServerConfig{
		DB:            db,
		Universes:     svc,
		AdminAddress:  admin,
		Logger:        logger,
		Limiter:       limiter,
		MCPServer:     mcp.New(svc, logger, "test").MCPServer(),
		SignerAddress: testutil.TestSignerAddress,
		Version:       "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, node: node, llm: fake}
}

type envelope[T any] struct {
	Data  T                 `json:"data"`
	Error model.ErrorDetail `json:"error"`
}

func (e *env) do(t *testing.T, method, path, caller string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) envelope[T] {
	t.Helper()
	var out envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	body := decode[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Equal(t, "sqlite", body.Data.Dialect)
	assert.Equal(t, testutil.TestSignerAddress, body.Data.Signer)
}

func TestDraftPublishSealOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	e.llm.Push(testutil.PlanReply(4, topic))

	resp := e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "0xuser", model.DraftScenariosRequest{Headline: headline})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	draft := decode[model.DraftScenariosResponse](t, resp).Data
	require.Len(t, draft.Scenarios, 4)
	assert.Equal(t, "llm", draft.Debug.Source)

	resp = e.do(t, http.MethodPost, "/api/universes/publish", "0xa11ce", model.PublishRequest{
		UniverseDraftID: &draft.UniverseDraftID,
		Headline:        headline,
		Scenarios:       draft.Scenarios,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pub := decode[model.PublishResponse](t, resp).Data
	assert.Equal(t, draft.UniverseDraftID, pub.UniverseID)
	require.Len(t, pub.Scenarios, 4)

	resp = e.do(t, http.MethodGet, "/api/universes/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.UniverseWithScenarios](t, resp).Data
	assert.Equal(t, model.StatusOpen, got.Status)

	e.node.Resolve(pub.Scenarios[0].LedgerScenarioID, 2, [4]uint64{1, 2, 5, 0})
	e.llm.Push(testutil.Story("http"))
	resp = e.do(t, http.MethodPost, "/api/ai/universes/"+pub.UniverseID+"/generate-narrative", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	narrative := decode[model.NarrativeResponse](t, resp).Data
	assert.Equal(t, "markdown", narrative.Metadata.Format)

	resp = e.do(t, http.MethodPost, "/api/universes/"+pub.UniverseID+"/seal", admin, model.SealRequest{StoryHash: narrative.StoryHash})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sealed := decode[model.SealResponse](t, resp).Data
	assert.Equal(t, narrative.StoryHash, sealed.StoryHash)
	assert.Len(t, e.llm.Requests(), 2, "stored narrative is sealed without recomposing")

	resp = e.do(t, http.MethodPost, "/api/universes/"+pub.UniverseID+"/seal", admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/universes/"+pub.UniverseID+"/runs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.AgentRun](t, resp).Data, 2)

	resp = e.do(t, http.MethodGet, "/api/universes?limit=500", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Universe](t, resp).Data, 1)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newEnv(t, nil)
	body := model.PublishRequest{Headline: headline, Scenarios: testutil.Drafts(1, topic)}

	for _, caller := range []string{"", "0xb0b"} {
		resp := e.do(t, http.MethodPost, "/api/universes/publish", caller, body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, model.ErrCodeForbidden, decode[any](t, resp).Error.Code)
	}
	resp := e.do(t, http.MethodPost, "/api/universes/x/seal", "0xb0b", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/mcp", "0xb0b", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, e.node.CallCount("create_universe"))
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)

	t.Run("validation", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "", model.DraftScenariosRequest{Headline: "short"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[any](t, resp)
		assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
		assert.NotNil(t, body.Error.Details)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "", `{"headline":"x","extra":1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not found", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/api/universes/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = e.do(t, http.MethodGet, "/api/universes/42", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("exhausted retries", func(t *testing.T) {
		e.llm.Push("bad", "bad", "bad")
		resp := e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "", model.DraftScenariosRequest{Headline: headline})
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		assert.Equal(t, model.ErrCodeExhaustedRetries, body.Error.Code)
		details, ok := body.Error.Details.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 3, details["attempts"])
		assert.Len(t, details["errors"], 3)
	})

	t.Run("no resolved scenarios", func(t *testing.T) {
		resp := e.do(t, http.MethodPost, "/api/universes/publish", admin, model.PublishRequest{Headline: headline, Scenarios: testutil.Drafts(1, topic)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		pub := decode[model.PublishResponse](t, resp).Data

		resp = e.do(t, http.MethodPost, "/api/universes/"+pub.UniverseID+"/seal", admin, model.SealRequest{})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, model.ErrCodePrecondition, decode[any](t, resp).Error.Code)
	})

	t.Run("ledger failure", func(t *testing.T) {
		e.node.FailFunction("create_universe", "Move abort: E_NOT_ADMIN")
		defer e.node.ClearFailure("create_universe")
		resp := e.do(t, http.MethodPost, "/api/universes/publish", admin, model.PublishRequest{Headline: headline, Scenarios: testutil.Drafts(1, topic)})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, model.ErrCodeContractViolation, decode[any](t, resp).Error.Code)
	})
}

func TestGenerativeRoutesAreRateLimited(t *testing.T) {
	limiter := ratelimit.New(1, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, limiter)

	req := model.DraftScenariosRequest{Headline: "short"}
	resp := e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "0xcarol", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "0xcarol", req)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decode[any](t, resp).Error.Code)

	// Buckets are per caller.
	resp = e.do(t, http.MethodPost, "/api/ai/universes/draft-scenarios", "0xdave", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Reads are never limited.
	for range 3 {
		resp = e.do(t, http.MethodGet, "/api/universes", "0xcarol", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestReconcileRequiresBody(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodPost, "/api/universes/abc/reconcile", admin, strings.Repeat(" ", 3))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
