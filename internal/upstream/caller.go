// Package upstream performs the outbound third-party call: credential
// injection, bounded fixed-interval retries and an optional per-host
// circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"go.uber.org/zap"
)

// Request is a fully prepared outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Chunked is set when the upstream used chunked transfer encoding.
	Chunked bool
}

type Caller struct {
	client  *http.Client
	breaker *CircuitBreaker
	sleeper Sleeper
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Caller)

func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *Caller) { c.breaker = cb }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Caller) { c.sleeper = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Caller) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

func NewCaller(client *http.Client, opts ...Option) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Caller{
		client:  client,
		sleeper: ContextSleeper{},
		metrics: metrics.GetMetrics(),
		logger:  logging.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.Component("upstream"))
	return c
}

// Do performs one attempt. Any transport failure or non-2xx status is an
// *apierr.UpstreamError.
func (c *Caller) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var (
		resp *Response
		err  error
	)
	if c.breaker != nil {
		host := hostOf(req.URL)
		resp, err = c.breaker.Execute(host, func() (*Response, error) {
			return c.do(ctx, req)
		})
		if err == ErrCircuitOpen {
			c.metrics.RecordBreakerRejection()
			err = &apierr.UpstreamError{Message: "circuit breaker is open for " + host, Err: ErrCircuitOpen}
		}
	} else {
		resp, err = c.do(ctx, req)
	}

	c.metrics.RecordUpstreamAttempt(time.Since(start), err == nil)
	return resp, err
}

func (c *Caller) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &apierr.UpstreamError{Message: err.Error(), Err: err}
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &apierr.UpstreamError{Message: transportMessage(err), Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &apierr.UpstreamError{Status: httpResp.StatusCode, Message: "failed to read upstream body", Err: err}
	}

	resp := &Response{
		Status:  httpResp.StatusCode,
		Header:  httpResp.Header,
		Body:    data,
		Chunked: slices.Contains(httpResp.TransferEncoding, "chunked"),
	}

	if resp.Status < 200 || resp.Status > 299 {
		return nil, &apierr.UpstreamError{
			Status:  resp.Status,
			Body:    resp.Body,
			Headers: resp.Header,
			Message: http.StatusText(resp.Status),
		}
	}
	return resp, nil
}

func transportMessage(err error) string {
	if uerr, ok := err.(*url.Error); ok {
		return uerr.Err.Error()
	}
	return err.Error()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
