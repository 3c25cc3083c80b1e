package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// client wraps http.Client with the rankd routes used by a run.
type client struct {
	http *http.Client
	base string
}

func newClient(base string, timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}, base: base}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) health(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("healthz returned %d", status)
	}
	return nil
}

func (c *client) post(ctx context.Context, e Event) (int, ackResponse, error) {
	var ack ackResponse
	status, err := c.do(ctx, http.MethodPost, "/events", e, &ack)
	return status, ack, err
}

func (c *client) rank(ctx context.Context, slug, mode, entityID string) (rankResponse, error) {
	var out rankResponse
	path := fmt.Sprintf("/leaderboards/%s/rank/%s?authoritative=true&mode=%s",
		url.PathEscape(slug), url.PathEscape(entityID), url.QueryEscape(mode))
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("rank %s returned %d", entityID, status)
	}
	return out, err
}

func (c *client) top(ctx context.Context, slug, mode string, limit int) ([]Entry, error) {
	var out sliceResponse
	path := fmt.Sprintf("/leaderboards/%s?limit=%d&mode=%s", url.PathEscape(slug), limit, url.QueryEscape(mode))
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("slice returned %d", status)
	}
	return out.Entries, err
}
