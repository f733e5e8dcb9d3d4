package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	ActorID string // Arbiter identity sent as X-Actor-ID
}

// Client is a pure HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// A 202 is returned as a body like any success.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Actor-ID", c.cfg.ActorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListEscalations lists queue entries, optionally filtered by status.
func (c *Client) ListEscalations(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escalations", q, nil)
}

// ClaimNext assigns the highest-priority waiting entry to the configured actor.
func (c *Client) ClaimNext(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escalations/claim", nil, nil)
}

// GetTransaction returns one transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, nil)
}

// GetDispute returns one dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil, nil)
}

// ResolveDispute records the configured actor's decision on a dispute.
func (c *Client) ResolveDispute(ctx context.Context, id, resolution, notes string) (json.RawMessage, error) {
	body := map[string]string{
		"resolution": resolution,
		"notes":      notes,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/resolve", nil, body)
}

// RetryOperation re-drives a failed custody operation.
func (c *Client) RetryOperation(ctx context.Context, transactionID string) (json.RawMessage, error) {
	path := "/v1/transactions/" + url.PathEscape(transactionID) + "/retry-operation"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// GetReputation returns a user's reputation snapshot.
func (c *Client) GetReputation(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/reputation/"+url.PathEscape(userID), nil, nil)
}

// ListSanctions returns a user's sanctions.
func (c *Client) ListSanctions(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/sanctions", nil, nil)
}
