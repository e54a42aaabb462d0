package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/config"
	"graphql-client/internal/integration"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	return integration.NewTestContext(t, 5*time.Second)
}

// httpServer answers every POST with {"data": data} and counts requests.
func httpServer(t *testing.T, data any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func dialMock(t *testing.T, m *integration.MockServer, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLogger(testLogger()),
		WithStopTimeout(time.Second),
		WithReconnect(ReconnectPolicy{Enabled: false}),
	}
	tr, err := NewWebsocketTransport(testContext(t), m.URL(), append(base, opts...)...)
	require.NoError(t, err)
	c := New(tr)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_QueryOverWebsocket(t *testing.T) {
	m := integration.StartMockServer(t)
	m.Handle("Hello", integration.QueryResolver(map[string]string{"hello": "world"}))
	c := dialMock(t, m)

	assert.Equal(t, "websocket", c.Kind())
	resp, err := c.Query(testContext(t), Request{Query: "query Hello { hello }", OperationName: "Hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Data))
	assert.False(t, resp.HasErrors())
}

func TestClient_MutateOverWebsocket(t *testing.T) {
	m := integration.StartMockServer(t)
	m.Handle("Add", func(_ context.Context, s *integration.Stream, p domain.StartPayload) {
		s.Data(map[string]any{"sum": p.Variables["a"].(float64) + p.Variables["b"].(float64)})
	})
	c := dialMock(t, m)

	resp, err := c.Mutate(testContext(t), Request{
		Query:         "mutation Add($a: Int!, $b: Int!) { add(a: $a, b: $b) }",
		OperationName: "Add",
		Variables:     map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(resp.Data))
}

func TestClient_SubscribeAndStop(t *testing.T) {
	m := integration.StartMockServer(t)
	m.Handle("Ticks", integration.TickResolver(5*time.Millisecond))
	c := dialMock(t, m)

	var mu sync.Mutex
	var frames []Frame
	id, err := c.Subscribe(testContext(t), Request{Query: "subscription Ticks { tick }", OperationName: "Ticks"},
		func(_ string, f Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(frames)
	}
	require.Eventually(t, func() bool { return count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.StopSubscription(testContext(t), id))
	after := count()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count(), "no callbacks after stop returns")

	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		require.Equal(t, FrameData, f.Type)
		resp, err := DecodeResponse(f)
		require.NoError(t, err)
		assert.JSONEq(t, `{"tick":`+strconv.Itoa(i+1)+`}`, string(resp.Data))
	}
	assert.Len(t, m.ReceivedOfType(domain.FrameStop), 1)
}

func TestClient_SetSessionReinitializes(t *testing.T) {
	m := integration.StartMockServer(t)
	m.Handle("Whoami", func(_ context.Context, s *integration.Stream, _ domain.StartPayload) {
		s.Data(map[string]string{"auth": s.Headers["Authorization"]})
	})
	c := dialMock(t, m, WithHeaders(map[string]string{"Authorization": "Bearer a"}))
	req := Request{Query: "query Whoami { auth }", OperationName: "Whoami"}

	resp, err := c.Query(testContext(t), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth":"Bearer a"}`, string(resp.Data))

	require.NoError(t, c.SetSession(testContext(t), map[string]string{"Authorization": "Bearer b"}))
	resp, err = c.Query(testContext(t), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth":"Bearer b"}`, string(resp.Data))
	assert.Equal(t, 2, m.Inits())
	assert.Equal(t, 1, m.Dials(), "re-handshake reuses the connection")
}

func TestClient_HandshakeRejected(t *testing.T) {
	m := integration.StartMockServer(t, integration.WithAcceptInit(func(h map[string]string) error {
		if h["Authorization"] == "" {
			return errors.New("unauthorized")
		}
		return nil
	}))
	_, err := NewWebsocketTransport(testContext(t), m.URL(), WithLogger(testLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.False(t, IsRetryableError(err))

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, string(ce.Payload), "unauthorized")
}

func TestClient_QueryOverHTTP(t *testing.T) {
	srv, hits := httpServer(t, map[string]int{"answer": 42})
	c := New(NewHTTPTransport(srv.URL, WithLogger(testLogger())))
	defer c.Close()

	assert.Equal(t, "http", c.Kind())
	resp, err := c.Query(testContext(t), Request{Query: "{ answer }"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Data))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_SubscriptionsUnsupportedOverHTTP(t *testing.T) {
	srv, hits := httpServer(t, nil)
	c := New(NewHTTPTransport(srv.URL, WithLogger(testLogger())))
	defer c.Close()

	called := false
	_, err := c.Subscribe(testContext(t), Request{Query: "subscription { x }"}, func(string, Frame) { called = true })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Contains(t, err.Error(), "http")

	err = c.StopSubscription(testContext(t), "any")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	assert.False(t, called)
	assert.Zero(t, hits.Load(), "nothing reaches the server")
}

// stubTransport implements SubscriptionTransport without being the engine.
type stubTransport struct {
	subscribed []Request
	stopped    []string
	closed     int
}

func (s *stubTransport) Kind() string                                       { return "stub" }
func (s *stubTransport) SetSession(context.Context, map[string]string) error { return nil }
func (s *stubTransport) Execute(context.Context, Request) (*Response, error) {
	return &Response{}, nil
}
func (s *stubTransport) Close() error { s.closed++; return nil }
func (s *stubTransport) Subscribe(_ context.Context, req Request, _ Callback) (string, error) {
	s.subscribed = append(s.subscribed, req)
	return "stub-1", nil
}
func (s *stubTransport) StopSubscription(_ context.Context, id string) error {
	s.stopped = append(s.stopped, id)
	return nil
}

func TestClient_CapabilityIsDetectedByInterface(t *testing.T) {
	st := &stubTransport{}
	c := New(st)

	id, err := c.Subscribe(context.Background(), Request{Query: "subscription { x }"}, func(string, Frame) {})
	require.NoError(t, err)
	assert.Equal(t, "stub-1", id)
	require.NoError(t, c.StopSubscription(context.Background(), id))
	assert.Equal(t, []string{"stub-1"}, st.stopped)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, st.closed, "close is idempotent")
}

func TestNewFromConfig_Websocket(t *testing.T) {
	var gotAuth atomic.Value
	m := integration.StartMockServer(t, integration.WithAcceptInit(func(h map[string]string) error {
		gotAuth.Store(h["Authorization"])
		return nil
	}))
	m.Handle("", integration.QueryResolver(true))

	cfg := config.Defaults()
	cfg.Client.URL = m.URL()
	cfg.Client.Headers = map[string]string{"Authorization": "Bearer cfg"}
	cfg.Reconnect.Enabled = false

	c, err := NewFromConfig(testContext(t), cfg, testLogger())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Events())
	var started atomic.Int32
	c.Events().Subscribe(domain.EventSubscriptionStarted, func(context.Context, Event) { started.Add(1) })

	assert.Equal(t, "Bearer cfg", gotAuth.Load())
	resp, err := c.Query(testContext(t), Request{Query: "{ ok }"})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(resp.Data))

	_, err = c.Subscribe(testContext(t), Request{Query: "subscription { ok }"}, func(string, Frame) {})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNewFromConfig_HTTP(t *testing.T) {
	srv, _ := httpServer(t, "pong")
	cfg := config.Defaults()
	cfg.Client.Transport = "http"
	cfg.Client.HTTPURL = srv.URL

	c, err := NewFromConfig(testContext(t), cfg, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "http", c.Kind())
	assert.Nil(t, c.Events())
	resp, err := c.Query(testContext(t), Request{Query: "{ ping }"})
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(resp.Data))
}

func TestNewFromConfig_UnknownTransport(t *testing.T) {
	cfg := config.Defaults()
	cfg.Client.Transport = "carrier-pigeon"
	_, err := NewFromConfig(context.Background(), cfg, testLogger())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewFromConfig_DialFailure(t *testing.T) {
	m := integration.StartMockServer(t)
	m.SetRefuse(true)
	cfg := config.Defaults()
	cfg.Client.URL = m.URL()

	_, err := NewFromConfig(testContext(t), cfg, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}
