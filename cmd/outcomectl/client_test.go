package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomefi/outcome/internal/model"
)

func TestClientDecodesEnvelope(t *testing.T) {
	var gotCaller, gotPath string
	var gotBody model.SealRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = r.Header.Get("X-User-Address")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(model.APIResponse{Data: model.SealResponse{UniverseID: "u1", LedgerUniverseID: 3, StoryHash: gotBody.StoryHash}})
	}))
	defer ts.Close()

	c := newAPIClient(ts.URL+"/", "0xadmin", time.Second)
	resp, err := c.seal(context.Background(), "u1", model.SealRequest{StoryHash: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "0xadmin", gotCaller)
	assert.Equal(t, "/api/universes/u1/seal", gotPath)
	assert.Equal(t, uint64(3), resp.LedgerUniverseID)
	assert.Equal(t, "0xabc", resp.StoryHash)
}

func TestClientReturnsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(model.APIError{Error: model.ErrorDetail{Code: model.ErrCodeConflict, Message: "already sealed"}})
	}))
	defer ts.Close()

	_, err := newAPIClient(ts.URL, "", time.Second).getUniverse(context.Background(), "u1")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, model.ErrCodeConflict, apiErr.Code)
	assert.Contains(t, err.Error(), "already sealed")
}

func TestClientNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newAPIClient(ts.URL, "", time.Second).health(context.Background())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, apiErr.Code)
}

func TestReadDrafts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"question":"Will it pass?","options":["a","b","c","d"]}]`), 0o600))
	drafts, err := readDrafts(path)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Len(t, drafts[0].Options, 4)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = readDrafts(path)
	require.Error(t, err)
}

func TestTruncateAndLedgerID(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "-", ledgerID(nil))
	id := uint64(42)
	assert.Equal(t, "42", ledgerID(&id))
}
