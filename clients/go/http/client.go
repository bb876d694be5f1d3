// Package http provides an HTTP client for the bucketz decision service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	bucketz "github.com/matt-riley/bucketz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the bucketz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Empty means no
	// Authorization header, which works when the server runs without auth.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements bucketz.Decider and bucketz.Watcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ bucketz.Decider = (*Client)(nil)
	_ bucketz.Watcher = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the bucketz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

type wireDecisionReq struct {
	ExperimentKey string             `json:"experiment_key,omitempty"`
	EventKey      string             `json:"event_key,omitempty"`
	UserID        string             `json:"user_id"`
	Attributes    bucketz.Attributes `json:"attributes,omitempty"`
	Tags          map[string]any     `json:"tags,omitempty"`
}

type wireFeatureEnabledResp struct {
	FeatureKey string `json:"feature_key"`
	Enabled    bool   `json:"enabled"`
}

type wireEnabledFeaturesResp struct {
	Features []string `json:"features"`
}

type wireError struct {
	Error string `json:"error"`
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bucketz: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bucketz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("bucketz: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bucketz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// decodeAPIError prefers the server's {"error": "..."} body and falls back
// to the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body wireError
	if err := json.Unmarshal(msg, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	return nil
}

// -- Decider -----------------------------------------------------------------

func (c *Client) Activate(ctx context.Context, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	return c.variation(ctx, "/v1/activate", experimentKey, userID, attributes)
}

func (c *Client) GetVariation(ctx context.Context, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	return c.variation(ctx, "/v1/variation", experimentKey, userID, attributes)
}

func (c *Client) variation(ctx context.Context, path, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	var out bucketz.Variation
	body := wireDecisionReq{ExperimentKey: experimentKey, UserID: userID, Attributes: attributes}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return bucketz.Variation{}, err
	}
	return out, nil
}

func (c *Client) IsFeatureEnabled(ctx context.Context, featureKey, userID string, attributes bucketz.Attributes) (bool, error) {
	var out wireFeatureEnabledResp
	path := "/v1/features/" + url.PathEscape(featureKey) + "/enabled"
	if err := c.do(ctx, http.MethodPost, path, wireDecisionReq{UserID: userID, Attributes: attributes}, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

func (c *Client) EnabledFeatures(ctx context.Context, userID string, attributes bucketz.Attributes) ([]string, error) {
	var out wireEnabledFeaturesResp
	if err := c.do(ctx, http.MethodPost, "/v1/features/enabled", wireDecisionReq{UserID: userID, Attributes: attributes}, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

func (c *Client) FeatureVariable(ctx context.Context, featureKey, variableKey, userID string, attributes bucketz.Attributes) (bucketz.Variable, error) {
	var out bucketz.Variable
	path := "/v1/features/" + url.PathEscape(featureKey) + "/variables/" + url.PathEscape(variableKey)
	if err := c.do(ctx, http.MethodPost, path, wireDecisionReq{UserID: userID, Attributes: attributes}, &out); err != nil {
		return bucketz.Variable{}, err
	}
	return out, nil
}

func (c *Client) Track(ctx context.Context, eventKey, userID string, attributes bucketz.Attributes, tags map[string]any) error {
	body := wireDecisionReq{EventKey: eventKey, UserID: userID, Attributes: attributes, Tags: tags}
	return c.do(ctx, http.MethodPost, "/v1/track", body, nil)
}

func (c *Client) Config(ctx context.Context) (bucketz.ConfigSummary, error) {
	var out bucketz.ConfigSummary
	if err := c.do(ctx, http.MethodGet, "/v1/config", nil, &out); err != nil {
		return bucketz.ConfigSummary{}, err
	}
	return out, nil
}

// -- Watcher -----------------------------------------------------------------

// Watch connects to the SSE stream and emits ConfigUpdates on the returned
// channel. The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Watch(ctx context.Context) (<-chan bucketz.ConfigUpdate, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan bucketz.ConfigUpdate, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 64<<10)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends config_update events to ch.
// Comment lines (heartbeats) and other event names are skipped. Multi-line
// data fields are joined with newlines.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- bucketz.ConfigUpdate) {
	var (
		eventType string
		dataLines []string
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 && (eventType == "" || eventType == "config_update") {
				var update bucketz.ConfigUpdate
				if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &update); jsonErr == nil && update.Revision != "" {
					select {
					case ch <- update:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if err != nil {
			return
		}
	}
}
