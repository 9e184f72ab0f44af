package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyServer(t *testing.T, content string, inspect func(*http.Request, chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if inspect != nil {
			inspect(r, req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func newTestClient(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(Options{
		BaseURL: url + "/api/v1",
		APIKey:  "sk-test",
		Model:   "test/model",
		Referer: "https://outcome.example",
		Title:   "outcome",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestGenerateJSON(t *testing.T) {
	var gotReq chatRequest
	var gotHeaders http.Header
	srv := replyServer(t, "```json\n{\"scenarios\":[]}\n```", func(r *http.Request, req chatRequest) {
		gotReq = req
		gotHeaders = r.Header.Clone()
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.GenerateJSON(context.Background(), Request{
		System:      "system prompt",
		Prompt:      "user prompt",
		Temperature: 0.2,
		Schema:      map[string]any{"type": "object"},
		SchemaName:  "ScenarioPlanOutput",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scenarios":[]}`, string(out))

	assert.Equal(t, "Bearer sk-test", gotHeaders.Get("Authorization"))
	assert.Equal(t, "https://outcome.example", gotHeaders.Get("HTTP-Referer"))
	assert.Equal(t, "outcome", gotHeaders.Get("X-Title"))
	assert.Equal(t, "test/model", gotReq.Model)
	assert.InDelta(t, 0.2, gotReq.Temperature, 1e-9)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user prompt", gotReq.Messages[1].Content)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat["type"])
	schema, ok := gotReq.ResponseFormat["json_schema"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ScenarioPlanOutput", schema["name"])
}

func TestGenerateJSONRejectsProse(t *testing.T) {
	srv := replyServer(t, "Sure! Here are your scenarios.", nil)
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GenerateJSON(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestGenerateText(t *testing.T) {
	srv := replyServer(t, "  ## Breaking Context\nText  ", func(_ *http.Request, req chatRequest) {
		assert.Nil(t, req.ResponseFormat)
	})
	defer srv.Close()

	out, err := newTestClient(t, srv.URL).GenerateText(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "## Breaking Context\nText", out)
}

func TestTransportErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()
		_, err := newTestClient(t, srv.URL).GenerateText(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()
		c, err := NewOpenAIClient(Options{BaseURL: srv.URL, Model: "m", Timeout: 20 * time.Millisecond})
		require.NoError(t, err)
		_, err = c.GenerateText(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("empty choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()
		_, err := newTestClient(t, srv.URL).GenerateText(context.Background(), Request{Prompt: "p"})
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})
}

func TestNewOpenAIClientValidation(t *testing.T) {
	_, err := NewOpenAIClient(Options{Model: "m"})
	assert.Error(t, err)
	_, err = NewOpenAIClient(Options{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFences(` {"a":1} `))
}
