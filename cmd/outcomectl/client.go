package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/outcomefi/outcome/internal/model"
)

// apiClient calls the outcome HTTP API.
type apiClient struct {
	baseURL    string
	caller     string
	httpClient *http.Client
}

func newAPIClient(baseURL, caller string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		caller:     caller,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response from the API.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("outcome api: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("outcome api: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// do sends in as the JSON body (when non-nil) and decodes the data field of
// the response envelope into out.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("outcome api: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("outcome api: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set("X-User-Address", c.caller)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("outcome api: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("outcome api: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env model.APIError
		if json.Unmarshal(raw, &env) != nil || env.Error.Code == "" {
			return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
	}
	if out == nil {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("outcome api: decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("outcome api: decode data: %w", err)
	}
	return nil
}

func (c *apiClient) health(ctx context.Context) (model.HealthResponse, error) {
	var out model.HealthResponse
	return out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

func (c *apiClient) listUniverses(ctx context.Context, limit, offset int) ([]model.Universe, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var out []model.Universe
	return out, c.do(ctx, http.MethodGet, "/api/universes?"+q.Encode(), nil, &out)
}

func (c *apiClient) getUniverse(ctx context.Context, ref string) (model.UniverseWithScenarios, error) {
	var out model.UniverseWithScenarios
	return out, c.do(ctx, http.MethodGet, "/api/universes/"+url.PathEscape(ref), nil, &out)
}

func (c *apiClient) listRuns(ctx context.Context, ref string) ([]model.AgentRun, error) {
	var out []model.AgentRun
	return out, c.do(ctx, http.MethodGet, "/api/universes/"+url.PathEscape(ref)+"/runs", nil, &out)
}

func (c *apiClient) draft(ctx context.Context, req model.DraftScenariosRequest) (model.DraftScenariosResponse, error) {
	var out model.DraftScenariosResponse
	return out, c.do(ctx, http.MethodPost, "/api/ai/universes/draft-scenarios", req, &out)
}

func (c *apiClient) publish(ctx context.Context, req model.PublishRequest) (model.PublishResponse, error) {
	var out model.PublishResponse
	return out, c.do(ctx, http.MethodPost, "/api/universes/publish", req, &out)
}

func (c *apiClient) compose(ctx context.Context, ref string) (model.NarrativeResponse, error) {
	var out model.NarrativeResponse
	return out, c.do(ctx, http.MethodPost, "/api/ai/universes/"+url.PathEscape(ref)+"/generate-narrative", nil, &out)
}

func (c *apiClient) seal(ctx context.Context, ref string, req model.SealRequest) (model.SealResponse, error) {
	var out model.SealResponse
	return out, c.do(ctx, http.MethodPost, "/api/universes/"+url.PathEscape(ref)+"/seal", req, &out)
}

func (c *apiClient) refresh(ctx context.Context, ref string) (model.UniverseWithScenarios, error) {
	var out model.UniverseWithScenarios
	return out, c.do(ctx, http.MethodPost, "/api/universes/"+url.PathEscape(ref)+"/refresh", nil, &out)
}

func (c *apiClient) reconcile(ctx context.Context, ref, txHash string) (model.Universe, error) {
	var out model.Universe
	return out, c.do(ctx, http.MethodPost, "/api/universes/"+url.PathEscape(ref)+"/reconcile", model.ReconcileRequest{TxHash: txHash}, &out)
}
