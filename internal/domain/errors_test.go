package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Engine.StopSubscription", ErrOperationNotFound, "id 'abc'")
	want := "Engine.StopSubscription: id 'abc': operation not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Query", ErrClientClosed, "")
	want := "Engine.Query: client closed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Conn.Send", ErrSend, "socket reset")
	if !errors.Is(err, ErrSend) {
		t.Error("errors.Is should match ErrSend")
	}
	if !errors.Is(err, ErrConnection) {
		t.Error("errors.Is should match the ErrConnection category")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Engine.Subscribe", ErrInvalidArgument, "nil callback")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Engine.Subscribe" {
		t.Errorf("Op = %q, want %q", de.Op, "Engine.Subscribe")
	}
}

func TestConnectionSentinels_ShareCategory(t *testing.T) {
	for _, err := range []error{ErrDial, ErrSend, ErrConnClosed, ErrHandshakeRejected, ErrConnectionLost, ErrReconnectExhausted} {
		assert.ErrorIs(t, err, ErrConnection, err.Error())
	}
	assert.NotErrorIs(t, ErrProtocolViolation, ErrConnection)
	assert.NotErrorIs(t, ErrUnsupportedOperation, ErrConnection)
}

func TestConnectionError_CarriesPayload(t *testing.T) {
	err := &ConnectionError{Op: "handshake", Payload: json.RawMessage(`{"message":"bad token"}`), Err: ErrHandshakeRejected}
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "bad token")

	var ce *ConnectionError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ce))
	assert.JSONEq(t, `{"message":"bad token"}`, string(ce.Payload))
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Frame: Frame{Type: FrameData}, Reason: "missing id"}
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Contains(t, err.Error(), "missing id")
	assert.Contains(t, err.Error(), "data")
}

func TestOperationError(t *testing.T) {
	err := &OperationError{ID: "op1", Payload: json.RawMessage(`{"message":"boom"}`)}
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Contains(t, err.Error(), "op1")
	assert.Equal(t, CodeOperationFailed, ErrorCodeOf(err))
}

func TestTransportError(t *testing.T) {
	err := &TransportError{StatusCode: 502, Body: "bad gateway"}
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, CodeTransport, ErrorCodeOf(err))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"dial", fmt.Errorf("connect: %w", ErrDial), true},
		{"connection lost", ErrConnectionLost, true},
		{"handshake rejected", &ConnectionError{Op: "handshake", Err: ErrHandshakeRejected}, false},
		{"reconnect exhausted", ErrReconnectExhausted, false},
		{"5xx", &TransportError{StatusCode: 503}, true},
		{"429", &TransportError{StatusCode: 429}, true},
		{"4xx", &TransportError{StatusCode: 400}, false},
		{"protocol", ErrProtocolViolation, false},
		{"unsupported", ErrUnsupportedOperation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeConnection, ErrorCodeOf(ErrConnection))
	assert.Equal(t, CodeUnsupportedOperation, ErrorCodeOf(ErrUnsupportedOperation))
	assert.Equal(t, CodeOperationNotFound, ErrorCodeOf(ErrOperationNotFound))
	assert.Equal(t, CodeClientClosed, ErrorCodeOf(ErrClientClosed))
}

func TestErrorCodeOf_SpecificBeforeCategory(t *testing.T) {
	// ErrDial wraps ErrConnection; the more precise code wins.
	assert.Equal(t, CodeDial, ErrorCodeOf(fmt.Errorf("ws: %w", ErrDial)))
	assert.Equal(t, CodeHandshakeRejected, ErrorCodeOf(&ConnectionError{Op: "handshake", Err: ErrHandshakeRejected}))
	assert.Equal(t, CodeConnection, ErrorCodeOf(fmt.Errorf("other: %w", ErrConnection)))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Engine.Subscribe", ErrInvalidArgument, "nil callback")
	assert.Equal(t, CodeInvalidArgument, ErrorCodeOf(err))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_SubSystemCode(t *testing.T) {
	err := NewSubSystemError("handshake", "Engine.ensureSession", ErrTimeout, "no ack")
	assert.Equal(t, CodeHandshakeTimeout, err.Code())
	assert.Equal(t, CodeHandshakeTimeout, ErrorCodeOf(fmt.Errorf("query: %w", err)))

	stop := NewSubSystemError("stop", "Engine.StopSubscription", ErrTimeout, "")
	assert.Equal(t, CodeStopTimeout, stop.Code())

	invalid := NewSubSystemError("handshake", "Engine.handshake", &ProtocolError{Frame: Frame{Type: FrameError}, Reason: "expected connection_ack"}, "")
	assert.Equal(t, CodeHandshakeInvalid, invalid.Code())

	// Unknown subsystem falls back to the sentinel code.
	other := NewSubSystemError("registry", "Op", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, other.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Engine.Query", ErrClientClosed)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, "Engine.Query: client closed", err.Error())
}
