package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/rbaliyan/event-saga/ratelimit"
)

// IdempotencyKeyHeader carries the call's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// HTTPRequest is the JSON body posted to an external step endpoint.
type HTTPRequest struct {
	Action         string         `json:"action"`
	IdempotencyKey string         `json:"idempotency_key"`
	SagaID         string         `json:"saga_id"`
	Step           string         `json:"step"`
	Direction      string         `json:"direction"`
	Input          map[string]any `json:"input"`
}

// HTTPResponse is the JSON body expected back on success.
type HTTPResponse struct {
	Output map[string]any `json:"output"`
}

// HTTPTarget posts calls to the URL named by the call's Target.
//
// A 2xx response is success. A 4xx response is a permanent failure, except
// 408 and 429 which are retried. 5xx responses and transport errors are
// retryable.
type HTTPTarget struct {
	client  *http.Client
	limiter ratelimit.Limiter
	headers http.Header
}

// HTTPOption configures an HTTPTarget.
type HTTPOption func(*HTTPTarget)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTarget) {
		if client != nil {
			t.client = client
		}
	}
}

// WithHTTPLimiter throttles outbound requests.
func WithHTTPLimiter(limiter ratelimit.Limiter) HTTPOption {
	return func(t *HTTPTarget) {
		t.limiter = limiter
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTarget) {
		t.headers.Add(key, value)
	}
}

// NewHTTPTarget creates an HTTPTarget using a pooled cleanhttp client.
func NewHTTPTarget(opts ...HTTPOption) *HTTPTarget {
	t := &HTTPTarget{
		client:  cleanhttp.DefaultPooledClient(),
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Invoke posts the call and decodes the output.
func (t *HTTPTarget) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(HTTPRequest{
		Action:         call.Action,
		IdempotencyKey: call.IdempotencyKey,
		SagaID:         call.SagaID,
		Step:           call.StepName,
		Direction:      call.Direction,
		Input:          call.Input,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.Target, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyKeyHeader, call.IdempotencyKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", call.Target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{URL: call.Target, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if isPermanentStatus(resp.StatusCode) {
			return nil, Permanent(statusErr)
		}
		return nil, statusErr
	}

	var out HTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, Permanent(fmt.Errorf("decode response from %s: %w", call.Target, err))
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out.Output, nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// Compile-time check
var _ Target = (*HTTPTarget)(nil)
