package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrUnauthorized is returned when the daemon rejects the bearer token.
var ErrUnauthorized = errors.New("daemon api: unauthorized")

// HTTPDoer abstracts the HTTP client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the daemon control API.
type Client struct {
	baseURL string
	token   string
	doer    HTTPDoer
}

// NewClient builds a client for the API bound at bind (host:port or URL).
// A nil doer uses an http.Client with a short timeout.
func NewClient(bind, token string, doer HTTPDoer) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: base, token: strings.TrimSpace(token), doer: doer}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.call(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync asks the daemon to sync devices.
func (c *Client) Sync(ctx context.Context, devices []string) (*SyncResponse, error) {
	var out SyncResponse
	if err := c.call(ctx, http.MethodPost, "/api/sync", nil, SyncRequest{Devices: devices}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists recent transfers, optionally for one device.
func (c *Client) History(ctx context.Context, device string, limit int) ([]Transfer, error) {
	query := url.Values{}
	if device != "" {
		query.Set("device", device)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out HistoryResponse
	if err := c.call(ctx, http.MethodGet, "/api/history", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

// TestNotification asks the daemon to send a test notification.
func (c *Client) TestNotification(ctx context.Context) (*NotifyResponse, error) {
	var out NotifyResponse
	if err := c.call(ctx, http.MethodPost, "/api/notify/test", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.baseURL == "" {
		return errors.New("daemon api: api_bind is not configured")
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("daemon api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon api %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("daemon api %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
