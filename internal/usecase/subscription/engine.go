// Package subscription implements the graphql-ws client engine: it multiplexes
// queries, mutations and subscriptions over one persistent connection, runs
// the connection handshake, routes inbound frames to waiting callers and
// callbacks, and re-establishes the connection when it drops.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/tracer"
	"graphql-client/internal/usecase/eventbus"
)

// Kind is the transport name reported in errors and logs.
const Kind = "websocket"

// Defaults for engine timeouts.
const (
	DefaultStopTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	terminateTimeout        = time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventBus publishes lifecycle events to bus. The caller keeps ownership.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithQueryTimeout bounds queries whose context has no deadline. Zero waits
// for the caller's context.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) { e.queryTimeout = d }
}

// WithStopTimeout bounds the wait for complete after a stop frame.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the wait for connection_ack.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.handshakeTimeout = d
		}
	}
}

// WithKeepAliveTimeout closes the connection when no frame arrives for d.
// Zero disables the watchdog.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(e *Engine) { e.keepAliveTimeout = d }
}

// WithReconnect sets the reconnection policy.
func WithReconnect(p ReconnectPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithIDGenerator replaces the ULID operation id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithSessionHeaders sets the headers of the initial handshake.
func WithSessionHeaders(h map[string]string) Option {
	return func(e *Engine) { e.initHeaders = maps.Clone(h) }
}

// Stats is a snapshot of engine counters.
type Stats struct {
	ActiveOperations   int
	Connected          bool
	Reconnects         uint64
	ProtocolViolations uint64
	MalformedFrames    uint64
}

// Engine is a graphql-ws client over one physical connection at a time.
//
// Subscription callbacks run one at a time, in wire order, normally on the
// receiver goroutine. Frames that arrived before Subscribe registered the id
// are delivered from Subscribe itself. A callback must return promptly and must
// not call Query, Subscribe, SetSession or Close on the same engine: those wait
// on frames that only the blocked receiver could deliver.
type Engine struct {
	url              string
	dialer           domain.Dialer
	logger           *slog.Logger
	bus              domain.EventBus
	ownsBus          bool
	newID            IDGenerator
	initHeaders      map[string]string
	queryTimeout     time.Duration
	stopTimeout      time.Duration
	handshakeTimeout time.Duration
	keepAliveTimeout time.Duration
	policy           ReconnectPolicy
	limiter          *rate.Limiter

	registry *registry
	session  *session

	mu      sync.RWMutex
	link    *link
	failure error
	gen     atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup

	reconnects atomic.Uint64
	violations atomic.Uint64
	malformed  atomic.Uint64
}

// Dial connects to url, starts the receiver loop and performs the initial
// handshake with the session headers. A rejected handshake fails Dial.
func Dial(ctx context.Context, dialer domain.Dialer, url string, opts ...Option) (*Engine, error) {
	e := &Engine{
		url:              url,
		dialer:           dialer,
		newID:            NewID,
		stopTimeout:      DefaultStopTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		policy:           DefaultReconnectPolicy(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "subscription", "url", url)
	if e.bus == nil {
		e.bus = eventbus.New(e.logger, 0)
		e.ownsBus = true
	}
	if e.policy.AttemptsPerMin > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(e.policy.AttemptsPerMin)/60.0), max(e.policy.Burst, 1))
	}
	e.registry = newRegistry(e.logger)
	e.session = newSession(e.initHeaders)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	conn, err := dialer.Dial(ctx, url)
	if err != nil {
		e.shutdownBus()
		return nil, domain.WrapOp("subscription.Dial", err)
	}
	if _, err := e.startLink(conn); err != nil {
		e.shutdownBus()
		return nil, err
	}
	e.logger.Info("connected")
	e.emit(domain.EventConnected, "", nil, nil)

	if err := e.ensureSession(ctx, e.initHeaders); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) shutdownBus() {
	e.cancel()
	if e.ownsBus {
		e.bus.Close()
	}
}

// startLink installs conn as the current connection and starts its receiver.
func (e *Engine) startLink(conn domain.Conn) (*link, error) {
	l := &link{
		conn:     conn,
		gen:      e.gen.Add(1),
		untagged: make(chan domain.Frame, untaggedBuffer),
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		conn.Close()
		return nil, domain.NewDomainError("Engine.startLink", domain.ErrClientClosed, "")
	}
	e.link = l
	e.wg.Add(1)
	e.mu.Unlock()

	go e.receive(l)
	return l, nil
}

func (e *Engine) currentLink() *link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.link
}

// Kind implements domain.Transport.
func (e *Engine) Kind() string { return Kind }

// SetSession re-initializes the session with headers. Identical headers on a
// ready session are a no-op.
func (e *Engine) SetSession(ctx context.Context, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	return e.ensureSession(ctx, headers)
}

// Execute runs a query or mutation; it is Query under the Transport name.
func (e *Engine) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	return e.Query(ctx, req)
}

// Mutate runs a mutation. The wire exchange is the same as Query.
func (e *Engine) Mutate(ctx context.Context, req domain.Request) (*domain.Response, error) {
	return e.Query(ctx, req)
}

// Query sends a one-shot operation and blocks for its result. A connection
// lost while waiting surfaces as ErrConnectionLost; queries are never retried.
func (e *Engine) Query(ctx context.Context, req domain.Request) (resp *domain.Response, err error) {
	const op = "Engine.Query"
	if err := e.usable(op); err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidArgument, "empty query")
	}
	if _, ok := ctx.Deadline(); !ok && e.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	id := e.newID()
	ctx, span := tracer.StartSpan(ctx, tracer.SpanQuery, tracer.OperationAttrs(id, req.OperationName))
	defer func() { tracer.Finish(span, err) }()

	if err := e.ensureSession(ctx, req.Headers); err != nil {
		return nil, err
	}
	operation, err := e.registry.Register(id, domain.OneShot, req.Clone(), nil)
	if err != nil {
		return nil, err
	}
	defer e.registry.Unregister(id)

	if err := e.sendStart(ctx, id, req); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	e.registry.MarkRunning(id)

	for {
		f, err := operation.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.sendStop(id)
			}
			return nil, e.waitError(op, err)
		}
		switch f.Type {
		case domain.FrameData:
			resp, err := domain.DecodeResponse(f.Payload)
			if err != nil {
				e.sendStop(id)
				return nil, domain.NewDomainError(op, domain.ErrMalformedFrame, err.Error())
			}
			e.sendStop(id)
			e.awaitComplete(ctx, id, operation.queue)
			return resp, nil
		case domain.FrameError:
			e.sendStop(id)
			return nil, &domain.OperationError{ID: id, Payload: f.Payload}
		case domain.FrameComplete:
			e.logger.Debug("query completed without data", "id", id)
			return &domain.Response{}, nil
		case domain.FrameInitError:
			return nil, &domain.ConnectionError{Op: op, Payload: f.Payload, Err: domain.ErrConnection}
		default:
			e.logger.Debug("ignoring frame while waiting for result", "frame", f.String())
		}
	}
}

// awaitComplete consumes frames until complete. A missing complete is logged.
func (e *Engine) awaitComplete(ctx context.Context, id string, q *queue) {
	ctx, cancel := context.WithTimeout(ctx, e.stopTimeout)
	defer cancel()
	for {
		f, err := q.Pop(ctx)
		if err != nil {
			e.logger.Debug("no complete after stop", "id", id, "error", err)
			return
		}
		if f.Type.IsTerminal() {
			if f.Type != domain.FrameComplete {
				e.logger.Debug("operation ended with error after stop", "id", id, "payload", string(f.Payload))
			}
			return
		}
		e.logger.Debug("discarding frame after stop", "frame", f.String())
	}
}

// Subscribe starts a subscription and returns its id without waiting for any
// result. cb receives every frame for the id until a terminal frame, which is
// delivered once before the subscription is removed.
func (e *Engine) Subscribe(ctx context.Context, req domain.Request, cb domain.Callback) (id string, err error) {
	const op = "Engine.Subscribe"
	if cb == nil {
		return "", domain.NewDomainError(op, domain.ErrInvalidArgument, "callback is required")
	}
	if err := e.usable(op); err != nil {
		return "", err
	}
	if req.Query == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidArgument, "empty query")
	}

	id = e.newID()
	ctx, span := tracer.StartSpan(ctx, tracer.SpanSubscribe, tracer.OperationAttrs(id, req.OperationName))
	defer func() { tracer.Finish(span, err) }()

	if err := e.ensureSession(ctx, req.Headers); err != nil {
		return "", err
	}
	if _, err := e.registry.Register(id, domain.Subscription, req.Clone(), cb); err != nil {
		return "", err
	}
	if err := e.sendStart(ctx, id, req); err != nil {
		e.registry.Unregister(id)
		return "", domain.WrapOp(op, err)
	}
	e.registry.MarkRunning(id)
	e.logger.Debug("subscription started", "id", id, "operation", req.OperationName)
	e.emit(domain.EventSubscriptionStarted, id, nil, nil)
	return id, nil
}

// StopSubscription stops a subscription and waits, at most the stop timeout,
// for the server's complete. The operation is removed either way and its
// callback is not invoked again.
func (e *Engine) StopSubscription(ctx context.Context, id string) (err error) {
	const op = "Engine.StopSubscription"
	ctx, span := tracer.StartSpan(ctx, tracer.SpanStop, tracer.OperationAttrs(id, ""))
	defer func() { tracer.Finish(span, err) }()

	q, ok := e.registry.MarkStopping(id)
	if !ok {
		return domain.NewDomainError(op, domain.ErrOperationNotFound, id)
	}
	defer func() {
		e.registry.Unregister(id)
		e.emit(domain.EventSubscriptionStopped, id, nil, nil)
	}()

	stop, err := domain.NewFrame(domain.FrameStop, id, nil)
	if err != nil {
		return err
	}
	if err := e.send(ctx, stop); err != nil {
		e.logger.Debug("stop not sent", "id", id, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.stopTimeout)
	defer cancel()
	for {
		f, err := q.Pop(ctx)
		if err != nil {
			e.logger.Debug("no complete after stop", "id", id, "error", err)
			return nil
		}
		if f.Type.IsTerminal() {
			return nil
		}
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	l := e.currentLink()
	connected := false
	if l != nil {
		select {
		case <-l.done:
		default:
			connected = true
		}
	}
	return Stats{
		ActiveOperations:   e.registry.Len(),
		Connected:          connected,
		Reconnects:         e.reconnects.Load(),
		ProtocolViolations: e.violations.Load(),
		MalformedFrames:    e.malformed.Load(),
	}
}

// Lookup returns the registered operation with id, if any.
func (e *Engine) Lookup(id string) (OperationInfo, bool) {
	return e.registry.Lookup(id)
}

// Close stops every operation and the receiver loop. Pending queries fail with
// ErrClientClosed. Close blocks until all engine goroutines have exited and is
// safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		l := e.link
		e.mu.Unlock()

		if l != nil {
			ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
			_ = l.conn.Send(ctx, domain.Frame{Type: domain.FrameTerminate})
			cancel()
			l.conn.Close()
		}
		e.cancel()
		e.registry.FailAll(domain.NewDomainError("Engine.Close", domain.ErrClientClosed, ""))
		e.wg.Wait()
		e.logger.Info("engine closed")
		if e.ownsBus {
			e.bus.Close()
		}
	})
	return nil
}

// usable reports why the engine cannot accept new work, if it cannot.
func (e *Engine) usable(op string) error {
	if e.closed.Load() {
		return domain.NewDomainError(op, domain.ErrClientClosed, "")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// waitError maps a failed wait to the engine's error taxonomy.
func (e *Engine) waitError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrTimeout, err), "")
	case errors.Is(err, context.Canceled):
		if e.closed.Load() {
			return domain.NewDomainError(op, domain.ErrClientClosed, "")
		}
		return domain.WrapOp(op, err)
	}
	return err
}

func (e *Engine) sendStart(ctx context.Context, id string, req domain.Request) error {
	f, err := domain.NewFrame(domain.FrameStart, id, req.StartPayload())
	if err != nil {
		return domain.NewDomainError("Engine.sendStart", domain.ErrInvalidArgument, err.Error())
	}
	return e.send(ctx, f)
}

// sendStop tells the server to stop id, best-effort.
func (e *Engine) sendStop(id string) {
	if err := e.send(e.ctx, domain.Frame{Type: domain.FrameStop, ID: id}); err != nil {
		e.logger.Debug("stop not sent", "id", id, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, f domain.Frame) error {
	l := e.currentLink()
	if l == nil {
		return &domain.ConnectionError{Op: "Engine.send", Err: domain.ErrConnectionLost}
	}
	e.logger.Debug("frame sent", "frame", f.String())
	return l.conn.Send(ctx, f)
}

// emit publishes an event. Payload may be raw JSON or any marshalable value.
func (e *Engine) emit(t domain.EventType, id string, payload any, err error) {
	ev := domain.Event{Type: t, Timestamp: time.Now(), OperationID: id, Err: err}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		ev.Payload = p
	default:
		if raw, mErr := json.Marshal(p); mErr == nil {
			ev.Payload = raw
		}
	}
	e.bus.Publish(e.ctx, ev)
}

var _ domain.SubscriptionTransport = (*Engine)(nil)
