package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"graphql-client/internal/domain"
)

// Resolver answers one start frame. It runs on its own goroutine and should
// return when ctx is done (the client sent stop or the connection dropped).
// A resolver that returns without calling Complete or Error gets a complete
// frame sent on its behalf.
type Resolver func(ctx context.Context, s *Stream, p domain.StartPayload)

// Stream is the server side of one operation.
type Stream struct {
	ID      string
	Headers map[string]string
	cc      *mockConn
	done    atomic.Bool
}

// Data sends a data frame with {"data": data}.
func (s *Stream) Data(data any) {
	s.cc.send(s.frame(domain.FrameData, map[string]any{"data": data}))
}

// Error sends a terminal error frame.
func (s *Stream) Error(payload any) {
	if s.done.Swap(true) {
		return
	}
	s.cc.send(s.frame(domain.FrameError, payload))
}

// Complete sends a terminal complete frame.
func (s *Stream) Complete() {
	if s.done.Swap(true) {
		return
	}
	s.cc.send(s.frame(domain.FrameComplete, nil))
}

func (s *Stream) frame(t domain.FrameType, payload any) domain.Frame {
	f, err := domain.NewFrame(t, s.ID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// MockServer is a graphql-ws server for tests.
type MockServer struct {
	srv    *httptest.Server
	logger *slog.Logger

	mu        sync.Mutex
	resolvers map[string]Resolver
	received  []domain.Frame
	conns     map[uint64]*mockConn

	acceptInit func(headers map[string]string) error
	keepAlive  time.Duration

	nextID  atomic.Uint64
	dials   atomic.Int32
	inits   atomic.Int32
	refuse  atomic.Bool
	noProto bool
}

// MockOption configures a MockServer.
type MockOption func(*MockServer)

// WithoutSubprotocol makes the server skip subprotocol negotiation.
func WithoutSubprotocol() MockOption {
	return func(m *MockServer) { m.noProto = true }
}

// WithAcceptInit decides the handshake; a non-nil error is sent as the
// connection_error payload message. Without it every init is accepted.
func WithAcceptInit(fn func(headers map[string]string) error) MockOption {
	return func(m *MockServer) { m.acceptInit = fn }
}

// WithKeepAlive makes the server send ka frames at the given interval.
func WithKeepAlive(every time.Duration) MockOption {
	return func(m *MockServer) { m.keepAlive = every }
}

// NewMockServer starts a server on a random local port.
func NewMockServer(opts ...MockOption) *MockServer {
	m := &MockServer{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		resolvers: make(map[string]Resolver),
		conns:     make(map[uint64]*mockConn),
	}
	for _, o := range opts {
		o(m)
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handleUpgrade))
	return m
}

// URL returns the ws:// endpoint.
func (m *MockServer) URL() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

// Handle registers a resolver for an operation name. The resolver registered
// for "" handles operations with no matching name.
func (m *MockServer) Handle(operationName string, r Resolver) {
	m.mu.Lock()
	m.resolvers[operationName] = r
	m.mu.Unlock()
}

// Received returns a copy of every client frame seen so far.
func (m *MockServer) Received() []domain.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Frame, len(m.received))
	copy(out, m.received)
	return out
}

// ReceivedOfType filters Received by frame type.
func (m *MockServer) ReceivedOfType(t domain.FrameType) []domain.Frame {
	var out []domain.Frame
	for _, f := range m.Received() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// Dials returns how many WebSocket connections were accepted.
func (m *MockServer) Dials() int { return int(m.dials.Load()) }

// Inits returns how many connection_init frames were received.
func (m *MockServer) Inits() int { return int(m.inits.Load()) }

// SetRefuse makes the server reject new upgrades with 503 while true.
func (m *MockServer) SetRefuse(v bool) { m.refuse.Store(v) }

// DropConnections abruptly closes every open connection.
func (m *MockServer) DropConnections() {
	m.mu.Lock()
	conns := make([]*mockConn, 0, len(m.conns))
	for _, cc := range m.conns {
		conns = append(conns, cc)
	}
	m.mu.Unlock()
	for _, cc := range conns {
		cc.shutdown(websocket.StatusGoingAway, "dropped")
	}
}

// SendRaw writes a raw text message to every open connection.
func (m *MockServer) SendRaw(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cc := range m.conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = cc.ws.Write(ctx, websocket.MessageText, []byte(msg))
		cancel()
	}
}

// Close stops the server and all connections.
func (m *MockServer) Close() {
	m.DropConnections()
	m.srv.Close()
}

// mockConn tracks a single client connection.
type mockConn struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan domain.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	headers map[string]string
	ops     map[string]context.CancelFunc
}

func (cc *mockConn) send(f domain.Frame) {
	select {
	case cc.sendCh <- f:
	case <-cc.done:
	}
}

func (cc *mockConn) shutdown(code websocket.StatusCode, reason string) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.ws.Close(code, reason)
	})
}

func (m *MockServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if m.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{}
	if !m.noProto {
		opts.Subprotocols = []string{domain.DefaultSubprotocol}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		m.logger.Warn("websocket accept failed", "error", err)
		return
	}
	m.dials.Add(1)

	cc := &mockConn{
		id:     m.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan domain.Frame, 256),
		done:   make(chan struct{}),
		ops:    make(map[string]context.CancelFunc),
	}
	m.mu.Lock()
	m.conns[cc.id] = cc
	m.mu.Unlock()

	go m.writeLoop(cc)
	if m.keepAlive > 0 {
		go m.keepAliveLoop(cc)
	}

	m.readLoop(r.Context(), cc)

	cc.shutdown(websocket.StatusNormalClosure, "")
	cc.mu.Lock()
	for _, cancel := range cc.ops {
		cancel()
	}
	cc.mu.Unlock()
	m.mu.Lock()
	delete(m.conns, cc.id)
	m.mu.Unlock()
}

func (m *MockServer) readLoop(ctx context.Context, cc *mockConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame domain.Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, frame)
		m.mu.Unlock()

		switch frame.Type {
		case domain.FrameInit:
			m.handleInit(cc, frame)
		case domain.FrameStart:
			m.handleStart(cc, frame)
		case domain.FrameStop:
			cc.mu.Lock()
			cancel, ok := cc.ops[frame.ID]
			cc.mu.Unlock()
			if ok {
				cancel()
			}
		case domain.FrameTerminate:
			return
		}
	}
}

func (m *MockServer) handleInit(cc *mockConn, frame domain.Frame) {
	m.inits.Add(1)
	var p domain.InitPayload
	_ = json.Unmarshal(frame.Payload, &p)

	if m.acceptInit != nil {
		if err := m.acceptInit(p.Headers); err != nil {
			f, _ := domain.NewFrame(domain.FrameInitError, "", map[string]string{"message": err.Error()})
			cc.send(f)
			return
		}
	}
	cc.mu.Lock()
	cc.headers = p.Headers
	cc.mu.Unlock()
	cc.send(domain.Frame{Type: domain.FrameInitAck})
}

func (m *MockServer) handleStart(cc *mockConn, frame domain.Frame) {
	var p domain.StartPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		f, _ := domain.NewFrame(domain.FrameError, frame.ID, map[string]string{"message": "bad start payload"})
		cc.send(f)
		return
	}

	m.mu.Lock()
	r, ok := m.resolvers[p.OperationName]
	if !ok {
		r, ok = m.resolvers[""]
	}
	m.mu.Unlock()

	cc.mu.Lock()
	headers := cc.headers
	cc.mu.Unlock()

	stream := &Stream{ID: frame.ID, Headers: headers, cc: cc}
	if !ok {
		stream.Error(map[string]string{"message": fmt.Sprintf("no resolver for %q", p.OperationName)})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cc.mu.Lock()
	if prev, exists := cc.ops[frame.ID]; exists {
		prev()
	}
	cc.ops[frame.ID] = cancel
	cc.mu.Unlock()

	go func() {
		defer cancel()
		r(ctx, stream, p)
		stream.Complete()
	}()
}

func (m *MockServer) writeLoop(cc *mockConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (m *MockServer) keepAliveLoop(cc *mockConn) {
	t := time.NewTicker(m.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-cc.done:
			return
		case <-t.C:
			cc.send(domain.Frame{Type: domain.FrameKeepAlive})
		}
	}
}

// QueryResolver answers with a single data frame.
func QueryResolver(data any) Resolver {
	return func(_ context.Context, s *Stream, _ domain.StartPayload) {
		s.Data(data)
	}
}

// TickResolver emits {"tick": n} every interval until stopped.
func TickResolver(interval time.Duration) Resolver {
	return func(ctx context.Context, s *Stream, _ domain.StartPayload) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for n := 1; ; n++ {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Data(map[string]int{"tick": n})
			}
		}
	}
}
