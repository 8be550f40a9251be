// Package httpcall provides the built-in task that performs an
// outbound HTTP request. Transport errors and server-side status codes
// are transient so the retry policy gets a chance to ride out flaky
// upstreams; client errors fail permanently.
package httpcall

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"relayq/internal/domain"
	"relayq/internal/task"
)

type params struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	TimeoutSec int               `json:"timeout_sec"`
}

type response struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

const maxResponseBytes = 1 << 20

// Register wires the "httpcall" task into the registry.
func Register(reg *task.Registry) {
	reg.MustRegister("httpcall", New(nil), task.Defaults{})
}

// New builds the handler around the given client; nil means a default
// client whose timeout the per-call params may shorten.
func New(client *http.Client) task.Handler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		var p params
		if err := decodeKwargs(inv.Kwargs, &p); err != nil {
			return nil, domain.Permanentf("invalid httpcall params: %v", err)
		}
		if p.URL == "" {
			return nil, domain.Permanentf("url is required")
		}
		if p.Method == "" {
			p.Method = http.MethodGet
		}
		if p.TimeoutSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSec)*time.Second)
			defer cancel()
		}

		var body io.Reader
		if p.Body != "" {
			body = strings.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
		if err != nil {
			return nil, domain.Permanentf("invalid request: %v", err)
		}
		for key, value := range p.Headers {
			req.Header.Set(key, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.Transientf("request failed: %v", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, domain.Transientf("read response: %v", err)
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, domain.Transientf("upstream returned %d: %s", resp.StatusCode, truncate(respBody))
		case resp.StatusCode >= 400:
			return nil, domain.Permanentf("upstream returned %d: %s", resp.StatusCode, truncate(respBody))
		}
		return response{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func decodeKwargs(kwargs map[string]any, v any) error {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
