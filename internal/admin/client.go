package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// StatusError is a non-success response from the admin endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin: http status %d", e.Code)
	}
	return fmt.Sprintf("admin: http status %d: %s", e.Code, e.Message)
}

// Client talks to a running supervisor's admin endpoint.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a client for addr (host:port or a full URL). timeout
// bounds read requests; restart and shutdown run until ctx is done.
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

// BaseURL returns the endpoint root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PoolSnapshot fetches GET /workers/snapshot.
func (c *Client) PoolSnapshot(ctx context.Context) (supervisor.PoolSnapshot, error) {
	var snap supervisor.PoolSnapshot
	err := c.get(ctx, "/workers/snapshot", &snap)
	return snap, err
}

// Count fetches GET /workers/count.
func (c *Client) Count(ctx context.Context) (CountResponse, error) {
	var resp CountResponse
	err := c.get(ctx, "/workers/count", &resp)
	return resp, err
}

// Stats fetches GET /workers.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.get(ctx, "/workers", &resp)
	return resp, err
}

// RestartWorkers posts a rolling restart. It returns false when a restart or
// shutdown was already in progress.
func (c *Client) RestartWorkers(ctx context.Context, gracefully bool) (bool, error) {
	var resp RestartResponse
	code, err := c.post(ctx, "/workers/restart", gracefully, &resp)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return resp.Restarted, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, &StatusError{Code: code, Message: resp.Error}
	}
}

// ShutDownWorkers asks the supervisor to retire its pool and exit.
func (c *Client) ShutDownWorkers(ctx context.Context, gracefully bool) error {
	var resp errorResponse
	code, err := c.post(ctx, "/workers/shutdown", gracefully, &resp)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return &StatusError{Code: code, Message: resp.Error}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	code, err := c.do(req, out)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return &StatusError{Code: code}
	}
	return nil
}

// post decodes the body whatever the status; the caller interprets the code.
func (c *Client) post(ctx context.Context, path string, gracefully bool, out any) (int, error) {
	url := c.baseURL + path + "?graceful=" + strconv.FormatBool(gracefully)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode error: %w", err)
		}
	}
	return resp.StatusCode, nil
}
