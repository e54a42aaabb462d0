package domain

import "context"

// Conn is a raw duplex connection carrying frames. Delivery is ordered but the
// connection may disappear at any time.
type Conn interface {
	// Send writes one frame. Fails with ErrSend on a dead connection.
	Send(ctx context.Context, f Frame) error
	// Receive blocks until the next frame arrives. It fails with ErrConnClosed
	// once the connection is gone (or ctx is done) and with ErrMalformedFrame
	// when a message cannot be decoded; the latter is not fatal.
	Receive(ctx context.Context) (Frame, error)
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens connections. Failures wrap ErrDial.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Transport executes one-shot operations. Every client transport implements it.
type Transport interface {
	// Kind names the transport in errors and logs (e.g. "websocket", "http").
	Kind() string
	// SetSession replaces the headers used for subsequent operations.
	SetSession(ctx context.Context, headers map[string]string) error
	// Execute runs a query or mutation and returns its result.
	Execute(ctx context.Context, req Request) (*Response, error)
	// Close stops all operations and releases the transport.
	Close() error
}

// SubscriptionTransport is the optional capability of transports that can
// carry long-lived subscriptions. One-shot transports do not implement it.
type SubscriptionTransport interface {
	Transport
	// Subscribe starts a subscription and returns its operation id without
	// waiting for any result.
	Subscribe(ctx context.Context, req Request, cb Callback) (string, error)
	// StopSubscription stops a running subscription.
	StopSubscription(ctx context.Context, id string) error
}
