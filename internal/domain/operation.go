package domain

import "maps"

// OperationKind distinguishes single-result operations from subscriptions.
type OperationKind int

const (
	OneShot OperationKind = iota
	Subscription
)

func (k OperationKind) String() string {
	if k == Subscription {
		return "subscription"
	}
	return "oneshot"
}

// OperationStatus is the lifecycle state of a registered operation.
type OperationStatus int

const (
	StatusPending OperationStatus = iota
	StatusRunning
	StatusStopping
	StatusDone
)

func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusDone:
		return "done"
	}
	return "unknown"
}

// Request is one query, mutation or subscription issued by a caller.
// Headers select the session the operation runs under; nil means the
// session's current headers.
type Request struct {
	Query         string
	Variables     map[string]any
	OperationName string
	Headers       map[string]string
}

// StartPayload converts the request into the payload of a start frame.
func (r Request) StartPayload() StartPayload {
	return StartPayload{
		Query:         r.Query,
		Variables:     r.Variables,
		OperationName: r.OperationName,
	}
}

// Clone returns a deep copy of the request's maps so that retained requests
// are not affected by later caller mutation.
func (r Request) Clone() Request {
	r.Variables = maps.Clone(r.Variables)
	r.Headers = maps.Clone(r.Headers)
	return r
}

// Callback receives every frame routed to a subscription. Callbacks never run
// concurrently and usually run on the connection's receiver goroutine: a
// callback that blocks stalls delivery to every other operation sharing the
// connection.
type Callback func(id string, f Frame)
