// Package coordinator talks to the coordinator service that owns the
// metadata registry and caller authentication.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrRejected means the coordinator answered with a 4xx. It is final and
	// never retried.
	ErrRejected = errors.New("coordinator: request rejected")
	// ErrServerError means the coordinator answered with a 5xx.
	ErrServerError = errors.New("coordinator: server error")
)

// Options configures the client.
type Options struct {
	// BaseURL of the coordinator HTTP API, e.g. https://main.example.
	BaseURL string

	// ServerID and APIKey identify this shard to the coordinator.
	ServerID string
	APIKey   string

	// Timeout for individual requests.
	// Default: 10s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         10 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
	}
}

// Client is a retrying JSON client for the coordinator API.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// Object is the descriptor sent when acknowledging a stored object.
type Object struct {
	Key      string `json:"key"`
	Bucket   string `json:"bucket"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Owner    string `json:"owner,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	ServerID string `json:"serverId"`
}

// Acknowledge registers obj with the coordinator. Any error means the
// registry does not know about the object.
func (c *Client) Acknowledge(ctx context.Context, obj Object) error {
	if obj.ServerID == "" {
		obj.ServerID = c.opts.ServerID
	}
	status, err := c.do(ctx, http.MethodPost, "/coordinator/v1/ack", obj)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", obj.Key, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("acknowledge %s: %w: status %d", obj.Key, ErrRejected, status)
	}
	return nil
}

// Ping checks that the coordinator is reachable. It does not retry.
func (c *Client) Ping(ctx context.Context) error {
	status, err := c.once(ctx, http.MethodGet, "/coordinator/v1/ping", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("ping: %w: status %d", ErrRejected, status)
	}
	return nil
}

// VerifyUserToken asks the coordinator whether token belongs to userID.
// A 4xx answer is a definite "no"; an error means no answer was obtained.
func (c *Client) VerifyUserToken(ctx context.Context, userID, token string) (bool, error) {
	body := map[string]string{"userId": userID, "token": token}
	return c.verify(ctx, "/auth/verify-user-token", body)
}

// VerifyServerToken asks the coordinator whether token belongs to the peer
// server serverID.
func (c *Client) VerifyServerToken(ctx context.Context, serverID, token string) (bool, error) {
	body := map[string]string{"serverId": serverID, "token": token}
	return c.verify(ctx, "/coordinator/v1/validate-server-token", body)
}

func (c *Client) verify(ctx context.Context, path string, body any) (bool, error) {
	status, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// do sends a JSON request, retrying network failures and 5xx answers with
// exponential backoff. It returns the final status code; 4xx codes are
// returned without error so callers can decide what they mean.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, err
			}
		}
		status, err := c.once(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("%w: %d", ErrServerError, status)
			continue
		}
		return status, nil
	}
	return 0, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.opts.RetryAttempts+1, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body any) (int, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Server-Id", c.opts.ServerID)
	req.Header.Set("X-Api-Key", c.opts.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
