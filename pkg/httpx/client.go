package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusError is returned by Client when the server answers with a non-2xx status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// idempotent reports whether a request may be resent after a timeout. A POST
// or PATCH that timed out may already have been committed.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// Client is a bearer-authenticated JSON client bound to one base URL.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		Token:      strings.TrimSpace(token),
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    1,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Do sends in (when non-nil) as JSON and decodes a 2xx response into out.
// Only GET and HEAD are retried.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = raw
	}
	headers := map[string]string{}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	retries := 0
	if idempotent(method) {
		retries = c.Retries
	}
	status, respBody, err := RequestJSON(ctx, c.HTTPClient, method, c.BaseURL+path, body, headers, retries, c.RetryDelay)
	if err != nil {
		return status, err
	}
	if status < 200 || status > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &payload)
		return status, &StatusError{Status: status, Message: payload.Error}
	}
	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, fmt.Errorf("decode response: %w", err)
		}
	}
	return status, nil
}
