package graphql

import (
	"graphql-client/internal/domain"
	"graphql-client/internal/usecase/subscription"
)

type (
	Request               = domain.Request
	Response              = domain.Response
	GraphQLError          = domain.GraphQLError
	Frame                 = domain.Frame
	FrameType             = domain.FrameType
	Callback              = domain.Callback
	Transport             = domain.Transport
	SubscriptionTransport = domain.SubscriptionTransport
	Event                 = domain.Event
	EventType             = domain.EventType
	EventBus              = domain.EventBus
	ReconnectPolicy       = subscription.ReconnectPolicy

	ConnectionError = domain.ConnectionError
	ProtocolError   = domain.ProtocolError
	OperationError  = domain.OperationError
	TransportError  = domain.TransportError
)

// Frame types delivered to subscription callbacks.
const (
	FrameData      = domain.FrameData
	FrameError     = domain.FrameError
	FrameComplete  = domain.FrameComplete
	FrameInitError = domain.FrameInitError
)

var (
	ErrConnection           = domain.ErrConnection
	ErrConnectionLost       = domain.ErrConnectionLost
	ErrHandshakeRejected    = domain.ErrHandshakeRejected
	ErrReconnectExhausted   = domain.ErrReconnectExhausted
	ErrProtocolViolation    = domain.ErrProtocolViolation
	ErrUnsupportedOperation = domain.ErrUnsupportedOperation
	ErrInvalidArgument      = domain.ErrInvalidArgument
	ErrTimeout              = domain.ErrTimeout
	ErrClientClosed         = domain.ErrClientClosed
	ErrOperationFailed      = domain.ErrOperationFailed
	ErrOperationNotFound    = domain.ErrOperationNotFound
	ErrTransport            = domain.ErrTransport
)

// IsRetryableError reports whether err is a transient failure worth retrying.
func IsRetryableError(err error) bool { return domain.IsRetryableError(err) }

// DecodeResponse parses the payload of a data frame.
func DecodeResponse(f Frame) (*Response, error) { return domain.DecodeResponse(f.Payload) }
