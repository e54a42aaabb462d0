package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"graphql-client/internal/domain"
	"graphql-client/internal/usecase/eventbus"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inbound struct {
	f   domain.Frame
	err error
}

// fakeConn is an in-memory domain.Conn. Frames the client sends are recorded
// and handed to the fake server; frames pushed by tests are received in order.
type fakeConn struct {
	in     chan inbound
	out    chan domain.Frame
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []domain.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inbound, 256),
		out:    make(chan domain.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, f domain.Frame) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: closed", domain.ErrSend)
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: closed", domain.ErrSend)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrSend, ctx.Err())
	}
}

func (c *fakeConn) Receive(ctx context.Context) (domain.Frame, error) {
	select {
	case <-c.closed:
		return domain.Frame{}, domain.ErrConnClosed
	default:
	}
	select {
	case m := <-c.in:
		return m.f, m.err
	case <-c.closed:
		return domain.Frame{}, domain.ErrConnClosed
	case <-ctx.Done():
		return domain.Frame{}, fmt.Errorf("%w: %w", domain.ErrConnClosed, ctx.Err())
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(f domain.Frame) { c.in <- inbound{f: f} }

func (c *fakeConn) pushErr(err error) { c.in <- inbound{err: err} }

func (c *fakeConn) data(id string, v any) {
	raw, _ := json.Marshal(map[string]any{"data": v})
	c.push(domain.Frame{Type: domain.FrameData, ID: id, Payload: raw})
}

func (c *fakeConn) complete(id string) {
	c.push(domain.Frame{Type: domain.FrameComplete, ID: id})
}

func (c *fakeConn) keepAlive() {
	c.push(domain.Frame{Type: domain.FrameKeepAlive})
}

// sentFrames returns the client's frames of type t, in order.
func (c *fakeConn) sentFrames(t domain.FrameType) []domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Frame
	for _, f := range c.sent {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) allSent() []domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Frame(nil), c.sent...)
}

// startHandler reacts to a start frame on the fake server.
type startHandler func(c *fakeConn, id string, p domain.StartPayload)

// fakeServer is a scripted graphql-ws peer and the engine's Dialer.
type fakeServer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	failDials int
	refuse    bool
	// initReply answers connection_init; nil reply means no answer.
	initReply    func(headers map[string]string) *domain.Frame
	handlers     map[string]startHandler
	autoComplete bool
	dials        atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		handlers:     make(map[string]startHandler),
		autoComplete: true,
	}
}

func (s *fakeServer) Dial(_ context.Context, _ string) (domain.Conn, error) {
	s.mu.Lock()
	if s.refuse || s.failDials > 0 {
		if s.failDials > 0 {
			s.failDials--
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: connection refused", domain.ErrDial)
	}
	c := newFakeConn()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	s.dials.Add(1)
	go s.serve(c)
	return c, nil
}

func (s *fakeServer) serve(c *fakeConn) {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.out:
			s.handle(c, f)
		}
	}
}

func (s *fakeServer) handle(c *fakeConn, f domain.Frame) {
	switch f.Type {
	case domain.FrameInit:
		var p domain.InitPayload
		_ = json.Unmarshal(f.Payload, &p)
		s.mu.Lock()
		reply := s.initReply
		s.mu.Unlock()
		if reply == nil {
			c.push(domain.Frame{Type: domain.FrameInitAck})
			return
		}
		if r := reply(p.Headers); r != nil {
			c.push(*r)
		}
	case domain.FrameStart:
		var p domain.StartPayload
		_ = json.Unmarshal(f.Payload, &p)
		s.mu.Lock()
		h, ok := s.handlers[p.OperationName]
		if !ok {
			h = s.handlers[""]
		}
		s.mu.Unlock()
		if h != nil {
			h(c, f.ID, p)
		}
	case domain.FrameStop:
		s.mu.Lock()
		auto := s.autoComplete
		s.mu.Unlock()
		if auto {
			c.complete(f.ID)
		}
	}
}

func (s *fakeServer) on(name string, h startHandler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

func (s *fakeServer) setInitReply(fn func(headers map[string]string) *domain.Frame) {
	s.mu.Lock()
	s.initReply = fn
	s.mu.Unlock()
}

func (s *fakeServer) setAutoComplete(v bool) {
	s.mu.Lock()
	s.autoComplete = v
	s.mu.Unlock()
}

func (s *fakeServer) setRefuse(v bool) {
	s.mu.Lock()
	s.refuse = v
	s.mu.Unlock()
}

func (s *fakeServer) conn(i int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 {
		i += len(s.conns)
	}
	if i < 0 || i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// replyData answers every start with one data frame followed by complete.
func replyData(v any) startHandler {
	return func(c *fakeConn, id string, _ domain.StartPayload) {
		c.data(id, v)
		c.complete(id)
	}
}

// sequentialIDs yields op-1, op-2, ...
func sequentialIDs() IDGenerator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("op-%d", n.Add(1)) }
}

func fastReconnect() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestEngine(t *testing.T, srv *fakeServer, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(testLogger()),
		WithIDGenerator(sequentialIDs()),
		WithStopTimeout(200 * time.Millisecond),
		WithHandshakeTimeout(time.Second),
		WithReconnect(fastReconnect()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	e, err := Dial(ctx, srv, "ws://fake/graphql", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	frames []domain.Frame
}

func (r *recorder) callback(_ string, f domain.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []domain.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Frame(nil), r.frames...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) terminals() int {
	n := 0
	for _, f := range r.snapshot() {
		if f.Type.IsTerminal() {
			n++
		}
	}
	return n
}

// eventLog subscribes to every event on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func newEventLog(t *testing.T) (*eventLog, *eventbus.Bus) {
	bus := eventbus.New(testLogger(), 256)
	t.Cleanup(bus.Close)
	l := &eventLog{}
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l, bus
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// dataValue decodes the {"data": v} payload of a data frame.
func dataValue(t *testing.T, f domain.Frame) any {
	t.Helper()
	resp, err := domain.DecodeResponse(f.Payload)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}
