// Package httpgql is the one-shot GraphQL transport over HTTP POST.
package httpgql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/config"
	"graphql-client/internal/infra/logger"
	"graphql-client/internal/infra/tracer"
)

// Kind is the transport name reported in errors and logs.
const Kind = "http"

// maxErrorBody caps how much of a failed response body is kept in a TransportError.
const maxErrorBody = 4 << 10

// Transport executes queries and mutations with one HTTP request each. It does
// not implement domain.SubscriptionTransport.
type Transport struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*domain.Response]
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	headers map[string]string
}

// Option customizes a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the pooled client built from config.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithHeaders sets the initial session headers.
func WithHeaders(h map[string]string) Option {
	return func(t *Transport) { t.headers = maps.Clone(h) }
}

// New creates an HTTP transport for url.
func New(url string, cfg config.HTTPConfig, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		url:    url,
		logger: logger,
	}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		t.client = NewHTTPClient(cfg)
	}
	if cfg.CircuitBreaker.Enabled {
		t.breaker = newBreaker(url, cfg.CircuitBreaker, logger)
	}
	if cfg.RateLimit.RequestsPerMin > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerMin)/60.0, cfg.RateLimit.Burst)
	}
	return t
}

// Kind implements domain.Transport.
func (t *Transport) Kind() string { return Kind }

// SetSession replaces the headers sent with every later request.
func (t *Transport) SetSession(_ context.Context, headers map[string]string) error {
	t.mu.Lock()
	t.headers = maps.Clone(headers)
	t.mu.Unlock()
	t.logger.Debug("http session updated", logger.Headers("headers", headers))
	return nil
}

// Execute posts the request and decodes the result.
func (t *Transport) Execute(ctx context.Context, req domain.Request) (resp *domain.Response, err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanHTTPExecute, tracer.OperationAttrs("", req.OperationName))
	span.SetAttributes(tracer.StringAttr(tracer.AttrServerURL, t.url))
	defer func() { tracer.Finish(span, err) }()

	if req.Query == "" {
		return nil, domain.NewDomainError("HTTPTransport.Execute", domain.ErrInvalidArgument, "empty query")
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", domain.ErrTransport, err)
		}
	}

	if t.breaker == nil {
		return t.do(ctx, req)
	}
	resp, err = t.breaker.Execute(func() (*domain.Response, error) {
		return t.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s circuit open: %w", domain.ErrTransport, t.url, err)
	}
	return resp, err
}

func (t *Transport) do(ctx context.Context, req domain.Request) (*domain.Response, error) {
	body, err := json.Marshal(req.StartPayload())
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.sessionHeaders(req.Headers) {
		httpReq.Header.Set(k, v)
	}

	t.logger.Debug("http execute", "url", t.url, "operation", req.OperationName)
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrTransport, t.url, err)
	}
	defer httpResp.Body.Close()
	tracer.Annotate(ctx, tracer.IntAttr(tracer.AttrHTTPStatus, httpResp.StatusCode))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &domain.TransportError{StatusCode: httpResp.StatusCode, Body: string(snippet)}
	}

	var out domain.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrTransport, err)
	}
	return &out, nil
}

// sessionHeaders returns the request's own headers when set, otherwise the
// current session's.
func (t *Transport) sessionHeaders(override map[string]string) map[string]string {
	if override != nil {
		return override
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.headers)
}

// Close releases pooled connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// BreakerState returns the circuit breaker state for monitoring.
// Returns StateClosed when the breaker is disabled.
func (t *Transport) BreakerState() gobreaker.State {
	if t.breaker == nil {
		return gobreaker.StateClosed
	}
	return t.breaker.State()
}

var _ domain.Transport = (*Transport)(nil)
