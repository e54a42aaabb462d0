// Package graphql is a GraphQL client for queries, mutations and
// subscriptions.
//
// The websocket transport multiplexes every operation over one graphql-ws
// connection and resumes subscriptions after a reconnect. The HTTP transport
// runs queries and mutations with one POST each and cannot carry
// subscriptions.
//
// Example:
//
//	t, err := graphql.NewWebsocketTransport(ctx, "wss://api.example.com/graphql",
//	    graphql.WithHeaders(map[string]string{"Authorization": "Bearer " + token}),
//	)
//	if err != nil {
//	    return err
//	}
//	client := graphql.New(t)
//	defer client.Close()
//
//	id, err := client.Subscribe(ctx, graphql.Request{Query: "subscription { ticks }"},
//	    func(id string, f graphql.Frame) {
//	        if f.Type == graphql.FrameData {
//	            resp, _ := graphql.DecodeResponse(f)
//	            fmt.Println(string(resp.Data))
//	        }
//	    },
//	)
package graphql

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"graphql-client/internal/adapter/httpgql"
	"graphql-client/internal/adapter/wsconn"
	"graphql-client/internal/domain"
	"graphql-client/internal/infra/config"
	"graphql-client/internal/usecase/eventbus"
	"graphql-client/internal/usecase/subscription"
)

// Client runs operations over a Transport.
type Client struct {
	transport Transport
	events    *eventbus.Bus
	// closers run after the transport closes, in order.
	closers []func()

	closeOnce sync.Once
	closeErr  error
}

// New wraps a transport. The client owns it from now on.
func New(t Transport) *Client {
	return &Client{transport: t}
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport { return c.transport }

// Kind names the underlying transport.
func (c *Client) Kind() string { return c.transport.Kind() }

// SetSession replaces the session headers used by later operations.
func (c *Client) SetSession(ctx context.Context, headers map[string]string) error {
	return c.transport.SetSession(ctx, headers)
}

// Query runs a query and waits for its result.
func (c *Client) Query(ctx context.Context, req Request) (*Response, error) {
	return c.transport.Execute(ctx, req)
}

// Mutate runs a mutation and waits for its result.
func (c *Client) Mutate(ctx context.Context, req Request) (*Response, error) {
	return c.transport.Execute(ctx, req)
}

// Subscribe starts a subscription and returns its operation id. cb receives
// every frame for the subscription, one frame at a time and in wire order.
func (c *Client) Subscribe(ctx context.Context, req Request, cb Callback) (string, error) {
	st, err := c.subscriptions("Client.Subscribe")
	if err != nil {
		return "", err
	}
	return st.Subscribe(ctx, req, cb)
}

// StopSubscription stops the subscription with id.
func (c *Client) StopSubscription(ctx context.Context, id string) error {
	st, err := c.subscriptions("Client.StopSubscription")
	if err != nil {
		return err
	}
	return st.StopSubscription(ctx, id)
}

// Stop ends every operation and closes the transport.
func (c *Client) Stop() error { return c.Close() }

// Close closes the transport. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		for _, fn := range c.closers {
			fn()
		}
	})
	return c.closeErr
}

func (c *Client) subscriptions(op string) (SubscriptionTransport, error) {
	st, ok := c.transport.(SubscriptionTransport)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrUnsupportedOperation,
			fmt.Sprintf("%s transport does not support subscriptions", c.transport.Kind()))
	}
	return st, nil
}

// NewWebsocketTransport connects to a graphql-ws endpoint and completes the
// handshake with the session headers.
func NewWebsocketTransport(ctx context.Context, url string, opts ...Option) (SubscriptionTransport, error) {
	s := newSettings(opts)

	var upgrade http.Header
	if len(s.upgradeHeaders) > 0 {
		upgrade = make(http.Header, len(s.upgradeHeaders))
		for k, v := range s.upgradeHeaders {
			upgrade.Set(k, v)
		}
	}
	dialer := wsconn.NewDialer(wsconn.Options{
		Subprotocol:  s.subprotocol,
		ReadLimit:    s.readLimit,
		WriteTimeout: s.writeTimeout,
		HTTPHeader:   upgrade,
	}, s.logger)

	engineOpts := []subscription.Option{
		subscription.WithLogger(s.logger),
		subscription.WithSessionHeaders(s.headers),
		subscription.WithQueryTimeout(s.queryTimeout),
		subscription.WithStopTimeout(s.stopTimeout),
		subscription.WithHandshakeTimeout(s.handshakeTimeout),
		subscription.WithKeepAliveTimeout(s.keepAliveTimeout),
	}
	if s.bus != nil {
		engineOpts = append(engineOpts, subscription.WithEventBus(s.bus))
	}
	if s.reconnect != nil {
		engineOpts = append(engineOpts, subscription.WithReconnect(*s.reconnect))
	}
	e, err := subscription.Dial(ctx, dialer, url, engineOpts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewHTTPTransport creates a one-shot transport posting to url.
func NewHTTPTransport(url string, opts ...Option) Transport {
	s := newSettings(opts)
	httpOpts := []httpgql.Option{httpgql.WithHeaders(s.headers)}
	if s.httpClient != nil {
		httpOpts = append(httpOpts, httpgql.WithHTTPClient(s.httpClient))
	}
	return httpgql.New(url, s.httpConfig, s.logger.With("component", "httpgql"), httpOpts...)
}

// NewFromConfig builds a client for the transport selected in cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{
		WithLogger(logger),
		WithHeaders(cfg.Client.Headers),
	}

	switch cfg.Client.Transport {
	case httpgql.Kind:
		opts = append(opts, WithHTTPConfig(cfg.HTTP))
		return New(NewHTTPTransport(cfg.Client.HTTPURL, opts...)), nil
	case "", subscription.Kind:
		bus := eventbus.New(logger, cfg.Events.BufferSize)
		opts = append(opts,
			WithEventBus(bus),
			WithUpgradeHeaders(cfg.Client.UpgradeHeaders),
			WithSubprotocol(cfg.Client.Subprotocol),
			WithReadLimit(cfg.Client.ReadLimit),
			WithWriteTimeout(cfg.Client.WriteTimeout),
			WithQueryTimeout(cfg.Client.QueryTimeout),
			WithStopTimeout(cfg.Client.StopTimeout),
			WithHandshakeTimeout(cfg.Client.HandshakeTimeout),
			WithKeepAliveTimeout(cfg.Client.KeepAliveTimeout),
			WithReconnect(subscription.PolicyFromConfig(cfg.Reconnect)),
		)
		t, err := NewWebsocketTransport(ctx, cfg.Client.URL, opts...)
		if err != nil {
			bus.Close()
			return nil, err
		}
		c := New(t)
		c.events = bus
		c.closers = append(c.closers, bus.Close)
		return c, nil
	default:
		return nil, domain.NewDomainError("graphql.NewFromConfig", domain.ErrInvalidArgument,
			fmt.Sprintf("unknown transport %q", cfg.Client.Transport))
	}
}

// Events returns the event bus of a client built by NewFromConfig, or nil.
func (c *Client) Events() EventBus {
	if c.events == nil {
		return nil
	}
	return c.events
}
