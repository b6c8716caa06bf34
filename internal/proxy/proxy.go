package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bulwarkhq/bulwark/internal/balancer"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// maxResponseBytes caps how much of a backend response body is buffered.
const maxResponseBytes = 8 << 20

// Proxy dispatches requests to a balanced target pool through the resilient
// executor. A failed attempt is retried against a freshly selected target, up
// to the configured retry count; selection naturally avoids the failed
// target once its breaker opens or its health flag drops.
type Proxy struct {
	pool     *balancer.Pool
	executor *exec.Executor
	client   *http.Client
	retries  int
	logger   *slog.Logger
}

// New creates a proxy over pool. client may be nil to use http.DefaultClient;
// per-attempt deadlines come from each target's execution bounds, not from
// the client. retries < 0 means no retries.
func New(pool *balancer.Pool, executor *exec.Executor, client *http.Client, retries int) *Proxy {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	return &Proxy{
		pool:     pool,
		executor: executor,
		client:   client,
		retries:  retries,
		logger:   log.WithComponent("proxy"),
	}
}

// Pool returns the underlying target pool.
func (p *Proxy) Pool() *balancer.Pool { return p.pool }

// Dispatch forwards req to a selected target and returns the backend
// response. The error is balancer.ErrNoEligibleTarget when no target can
// accept traffic, otherwise the outcome error of the final attempt.
func (p *Proxy) Dispatch(ctx context.Context, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	var lastErr error
	attempts := p.retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		target, err := p.pool.Select(req.ClientIP)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		res, out := p.attempt(ctx, target, req)
		if out.Success() {
			return res, nil
		}
		lastErr = out.Err
		p.logger.Warn("attempt failed",
			"target", target.Name(),
			"attempt", attempt+1,
			"kind", string(out.Kind),
			"error", out.Err)

		// The caller's own deadline is gone; retrying is pointless.
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *Proxy) attempt(ctx context.Context, target *balancer.Target, req *protocol.HTTPRequest) (*protocol.HTTPResponse, exec.Outcome) {
	var res *protocol.HTTPResponse
	target.Acquire()
	out := p.executor.Execute(ctx, target, func(ctx context.Context) error {
		var err error
		res, err = p.forward(ctx, target.URL(), req)
		return err
	})
	target.Release()
	return res, out
}

// forward performs one HTTP exchange against base. A transport failure or a
// 5xx status is an error so the target's breaker sees it; any other status
// is a valid response the backend chose to return.
func (p *Proxy) forward(ctx context.Context, base string, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	u, err := buildURL(base, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ClientIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}

	httpRes, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream exchange: %w", err)
	}
	defer httpRes.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if httpRes.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream returned %d", httpRes.StatusCode)
	}

	headers := make(map[string]string, len(httpRes.Header))
	for k := range httpRes.Header {
		headers[k] = httpRes.Header.Get(k)
	}
	return &protocol.HTTPResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    headers,
		Body:       resBody,
	}, nil
}

func buildURL(base, path, query string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query
	return u.String(), nil
}
