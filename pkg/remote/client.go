package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/smith3v/flashsync/pkg/logger"
)

const (
	apiPrefix = "/api/v1"

	ForceHeader          = "X-Force-Overwrite"
	IdempotencyKeyHeader = "Idempotency-Key"

	maxErrorBody = 4 << 10
)

// Resources maps sync entity types onto API collections.
var Resources = map[string]string{
	"deck":          "decks",
	"card":          "cards",
	"review_event":  "reviews",
	"study_session": "study-sessions",
	"user_stats":    "user-stats",
}

// Client talks to the remote authority. Every call takes the bearer
// credential explicitly so tokens can rotate between calls.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("remote base url is empty")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote base url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upsert creates or replaces the entity with the given id. PUT is idempotent
// on the authority, so create and update share it. force asks the authority to
// overwrite its copy instead of reporting a conflict.
func (c *Client) Upsert(ctx context.Context, resource, id string, payload json.RawMessage, credential string, force bool) error {
	headers := map[string]string{}
	if force {
		headers[ForceHeader] = "true"
	}
	_, err := c.do(ctx, http.MethodPut, c.entityURL(resource, id), payload, credential, headers)
	return err
}

// Delete removes the entity. An entity the authority does not know counts as
// deleted.
func (c *Client) Delete(ctx context.Context, resource, id, credential string) error {
	status, err := c.do(ctx, http.MethodDelete, c.entityURL(resource, id), nil, credential, nil)
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil
	}
	return err
}

// Append posts an immutable record such as a review event. key makes
// redelivery after a lost response harmless.
func (c *Client) Append(ctx context.Context, resource, key string, payload json.RawMessage, credential string) error {
	headers := map[string]string{IdempotencyKeyHeader: key}
	_, err := c.do(ctx, http.MethodPost, c.collectionURL(resource), payload, credential, headers)
	return err
}

// Probe checks that the authority answers at all.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String()+apiPrefix+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) entityURL(resource, id string) string {
	return c.baseURL.String() + path.Join(apiPrefix, resource, url.PathEscape(id))
}

func (c *Client) collectionURL(resource string) string {
	return c.baseURL.String() + path.Join(apiPrefix, resource)
}

func (c *Client) do(ctx context.Context, method, target string, payload json.RawMessage, credential string, headers map[string]string) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, &RejectedError{Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("remote call failed", "method", method, "url", target, "error", err)
		return 0, &RejectedError{Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logger.Debug("remote call", "method", method, "url", target, "status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		conflict := &ConflictError{StatusCode: resp.StatusCode}
		if readErr == nil && json.Valid(respBody) {
			conflict.Remote = json.RawMessage(respBody)
		}
		return resp.StatusCode, conflict
	default:
		return resp.StatusCode, &RejectedError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
}
