package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"chapterhub/internal/auth"
)

type apiClient struct {
	baseURL string
	editor  string
	token   string
	http    *http.Client
}

// apiError is a non-2xx response. Only 5xx responses are retried.
type apiError struct {
	Status int
	Body   map[string]any
}

func (e *apiError) Error() string {
	if msg, ok := e.Body["error"].(string); ok {
		return fmt.Sprintf("api %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("api %d", e.Status)
}

func newAPIClient(g *globals) *apiClient {
	c := &apiClient{
		baseURL: strings.TrimRight(g.apiURL, "/"),
		editor:  g.editor,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	if b, err := os.ReadFile(g.tokenPath); err == nil {
		var td tokenData
		if json.Unmarshal(b, &td) == nil {
			c.token = td.Token
		}
	}
	return c
}

func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// do sends body as JSON and decodes the response into out. Network errors
// and 5xx answers are retried with backoff.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	return retry.Do(
		func() error { return c.once(ctx, method, path, payload, out) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
	)
}

func (c *apiClient) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.editor != "" {
		req.Header.Set(auth.EditorHeader, c.editor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(b, &ae.Body)
		return ae
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
