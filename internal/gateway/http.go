package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/agentgridgo/internal/ctxlog"
)

// HTTPInvoker dispatches invocations to the agent service over HTTP.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries uint64
}

// Option configures an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithTimeout sets the per-invocation deadline. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(i *HTTPInvoker) { i.timeout = d }
}

// WithRetries sets how many times a transient transport error is retried.
func WithRetries(n uint64) Option {
	return func(i *HTTPInvoker) { i.retries = n }
}

// WithClient replaces the underlying HTTP client.
func WithClient(c *http.Client) Option {
	return func(i *HTTPInvoker) { i.client = c }
}

// NewHTTPInvoker creates an invoker that POSTs to baseURL + "/invoke".
func NewHTTPInvoker(baseURL string, opts ...Option) *HTTPInvoker {
	inv := &HTTPInvoker{
		baseURL: baseURL,
		client:  &http.Client{},
		retries: 2,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke sends the request to the agent service and decodes the result.
// Transient transport errors are retried with exponential backoff. If the
// deadline expires, a synthetic failure result is returned instead of an
// error, so the scheduler handles timeouts through its normal failure path.
func (i *HTTPInvoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("agent_id", req.AgentID)

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation request: %w", err)
	}

	var result *Result
	attempt := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/invoke", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := i.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("agent service returned %d: %s", resp.StatusCode, payload)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}

		var decoded Result
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding agent response: %w", err))
		}
		result = &decoded
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), i.retries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("Invocation timed out, returning synthetic failure.", "timeout", i.timeout)
			return &Result{
				AgentID: req.AgentID,
				Success: false,
				Error:   fmt.Sprintf("no result from agent service within %s", i.timeout),
			}, nil
		}
		return nil, fmt.Errorf("invoking agent %q: %w", req.AgentID, err)
	}
	return result, nil
}
