package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Category sentinels. Connection-level failures all wrap ErrConnection so that
// callers can test for the whole class with errors.Is.
var (
	ErrConnection           = fmt.Errorf("connection error")
	ErrProtocolViolation    = fmt.Errorf("protocol violation")
	ErrUnsupportedOperation = fmt.Errorf("unsupported operation")
	ErrInvalidArgument      = fmt.Errorf("invalid argument")
	ErrTimeout              = fmt.Errorf("operation timed out")
)

// Sentinel errors for the connection adapter and the engine.
var (
	ErrDial               = fmt.Errorf("dial: %w", ErrConnection)
	ErrSend               = fmt.Errorf("send: %w", ErrConnection)
	ErrConnClosed         = fmt.Errorf("connection closed: %w", ErrConnection)
	ErrHandshakeRejected  = fmt.Errorf("handshake rejected: %w", ErrConnection)
	ErrConnectionLost     = fmt.Errorf("connection lost: %w", ErrConnection)
	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted: %w", ErrConnection)
	ErrMalformedFrame     = fmt.Errorf("malformed frame")
	ErrClientClosed       = fmt.Errorf("client closed")
	ErrDuplicateOperation = fmt.Errorf("duplicate operation id")
	ErrOperationNotFound  = fmt.Errorf("operation not found")
	ErrOperationFailed    = fmt.Errorf("operation failed")
	ErrTransport          = fmt.Errorf("transport error")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Query")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "handshake", "registry"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ConnectionError carries the server's detail for a connection-level failure,
// such as the payload of a connection_error frame.
type ConnectionError struct {
	Op      string
	Payload json.RawMessage
	Err     error
}

func (e *ConnectionError) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Payload)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError describes a frame that decoded but broke the protocol's rules.
type ProtocolError struct {
	Frame  Frame
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (frame %s)", ErrProtocolViolation, e.Reason, e.Frame)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

// OperationError is returned when the server answers an operation with an
// error frame.
type OperationError struct {
	ID      string
	Payload json.RawMessage
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s: %s: %s", e.ID, ErrOperationFailed, e.Payload)
}

func (e *OperationError) Unwrap() error { return ErrOperationFailed }

// TransportError reports a non-success HTTP status from the one-shot transport.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: non-2xx response %d: %s", ErrTransport, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return ErrTransport }

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Handshake rejections are excluded; the server refused the session itself.
func IsRetryableError(err error) bool {
	if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrReconnectExhausted) {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode >= 500 || te.StatusCode == 429
	}
	return false
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeConnection           ErrorCode = "CONNECTION"
	CodeDial                 ErrorCode = "DIAL"
	CodeSend                 ErrorCode = "SEND"
	CodeConnClosed           ErrorCode = "CONN_CLOSED"
	CodeHandshakeRejected    ErrorCode = "HANDSHAKE_REJECTED"
	CodeConnectionLost       ErrorCode = "CONNECTION_LOST"
	CodeReconnectExhausted   ErrorCode = "RECONNECT_EXHAUSTED"
	CodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	CodeMalformedFrame       ErrorCode = "MALFORMED_FRAME"
	CodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"
	CodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeClientClosed         ErrorCode = "CLIENT_CLOSED"
	CodeDuplicateOperation   ErrorCode = "DUPLICATE_OPERATION"
	CodeOperationNotFound    ErrorCode = "OPERATION_NOT_FOUND"
	CodeOperationFailed      ErrorCode = "OPERATION_FAILED"
	CodeTransport            ErrorCode = "TRANSPORT"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeHandshakeTimeout ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeStopTimeout      ErrorCode = "STOP_TIMEOUT"
	CodeHandshakeInvalid ErrorCode = "HANDSHAKE_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes. The
// specific connection sentinels precede ErrConnection in errorCodeOrder so the
// chain walk reports the most precise code.
var errorCodeMap = map[error]ErrorCode{
	ErrConnection:           CodeConnection,
	ErrDial:                 CodeDial,
	ErrSend:                 CodeSend,
	ErrConnClosed:           CodeConnClosed,
	ErrHandshakeRejected:    CodeHandshakeRejected,
	ErrConnectionLost:       CodeConnectionLost,
	ErrReconnectExhausted:   CodeReconnectExhausted,
	ErrProtocolViolation:    CodeProtocolViolation,
	ErrMalformedFrame:       CodeMalformedFrame,
	ErrUnsupportedOperation: CodeUnsupportedOperation,
	ErrInvalidArgument:      CodeInvalidArgument,
	ErrTimeout:              CodeTimeout,
	ErrClientClosed:         CodeClientClosed,
	ErrDuplicateOperation:   CodeDuplicateOperation,
	ErrOperationNotFound:    CodeOperationNotFound,
	ErrOperationFailed:      CodeOperationFailed,
	ErrTransport:            CodeTransport,
	ErrConfigLoad:           CodeConfigLoad,
}

var errorCodeOrder = []error{
	ErrDial, ErrSend, ErrConnClosed, ErrHandshakeRejected, ErrConnectionLost, ErrReconnectExhausted,
	ErrProtocolViolation, ErrMalformedFrame, ErrUnsupportedOperation, ErrInvalidArgument,
	ErrTimeout, ErrClientClosed, ErrDuplicateOperation, ErrOperationNotFound,
	ErrOperationFailed, ErrTransport, ErrConfigLoad,
	ErrConnection,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"handshake": CodeHandshakeTimeout,
		"stop":      CodeStopTimeout,
	},
	ErrProtocolViolation: {
		"handshake": CodeHandshakeInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		for sentinel, subsysMap := range subSystemCodeMap {
			if !errors.Is(e.Err, sentinel) {
				continue
			}
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for _, sentinel := range errorCodeOrder {
		if errors.Is(e.Err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}
