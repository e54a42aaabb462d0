package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"graphql-client/internal/infra/config"
)

// recordSpans installs an in-memory provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestSetup_DisabledInstallsNoop(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		require.NoError(t, err, "%+v", cfg)
		assert.IsType(t, noop.TracerProvider{}, otel.GetTracerProvider(), "%+v", cfg)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestSetup_Stdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
	assert.False(t, isNoop)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jaeger")
}

func TestQuerySpan_CarriesOperationIdentity(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), SpanQuery, OperationAttrs("01HZX", "Hero"))
	Finish(span, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanQuery, spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "01HZX", attrs[AttrOperationID].AsString())
	assert.Equal(t, "Hero", attrs[AttrOperationName].AsString())
}

func TestOperationAttrs_OmitsEmptyFields(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), SpanHTTPExecute, OperationAttrs("", ""))
	Finish(span, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Empty(t, spans[0].Attributes())
}

func TestFinish_RecordsFailure(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), SpanStop, OperationAttrs("01HZX", ""))
	Finish(span, errors.New("stop timed out"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanStop, spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "stop timed out", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestAnnotate_AddsToSpanInContext(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartSpan(context.Background(), SpanReconnect)
	Annotate(ctx, IntAttr(AttrReconnectAttempt, 3), StringAttr(AttrServerURL, "ws://example/graphql"))
	Finish(span, nil)

	// No span in context: nothing to annotate, nothing to panic about.
	Annotate(context.Background(), IntAttr(AttrHTTPStatus, 200))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, int64(3), attrs[AttrReconnectAttempt].AsInt64())
	assert.Equal(t, "ws://example/graphql", attrs[AttrServerURL].AsString())
}
