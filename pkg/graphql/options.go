package graphql

import (
	"log/slog"
	"maps"
	"net/http"
	"time"

	"graphql-client/internal/infra/config"
)

// Option configures a transport built by NewWebsocketTransport or
// NewHTTPTransport. Options that do not apply to a transport are ignored.
type Option func(*settings)

type settings struct {
	logger  *slog.Logger
	headers map[string]string
	bus     EventBus

	// websocket
	upgradeHeaders   map[string]string
	subprotocol      string
	readLimit        int64
	writeTimeout     time.Duration
	queryTimeout     time.Duration
	stopTimeout      time.Duration
	handshakeTimeout time.Duration
	keepAliveTimeout time.Duration
	reconnect        *ReconnectPolicy

	// http
	httpClient *http.Client
	httpConfig config.HTTPConfig
}

func newSettings(opts []Option) *settings {
	s := &settings{httpConfig: config.Defaults().HTTP}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithHeaders sets the initial session headers.
func WithHeaders(h map[string]string) Option {
	return func(s *settings) { s.headers = maps.Clone(h) }
}

// WithEventBus publishes connection and subscription events on bus.
func WithEventBus(bus EventBus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithUpgradeHeaders sets HTTP headers sent with the websocket upgrade request.
func WithUpgradeHeaders(h map[string]string) Option {
	return func(s *settings) { s.upgradeHeaders = maps.Clone(h) }
}

// WithSubprotocol overrides the negotiated websocket subprotocol.
func WithSubprotocol(p string) Option {
	return func(s *settings) { s.subprotocol = p }
}

// WithReadLimit caps the size of an inbound websocket message.
func WithReadLimit(n int64) Option {
	return func(s *settings) { s.readLimit = n }
}

// WithWriteTimeout bounds each websocket frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.writeTimeout = d }
}

// WithQueryTimeout bounds queries whose context has no deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *settings) { s.queryTimeout = d }
}

// WithStopTimeout bounds how long StopSubscription waits for complete.
func WithStopTimeout(d time.Duration) Option {
	return func(s *settings) { s.stopTimeout = d }
}

// WithHandshakeTimeout bounds the wait for connection_ack.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) { s.handshakeTimeout = d }
}

// WithKeepAliveTimeout treats the connection as lost after d without frames.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(s *settings) { s.keepAliveTimeout = d }
}

// WithReconnect sets the reconnection policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(s *settings) { s.reconnect = &p }
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithHTTPConfig sets pool, breaker and rate limit settings for the HTTP transport.
func WithHTTPConfig(cfg config.HTTPConfig) Option {
	return func(s *settings) { s.httpConfig = cfg }
}
