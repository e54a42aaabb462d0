package subscription

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/logger"
	"graphql-client/internal/infra/tracer"
)

// maxHandshakeSkips bounds the keep-alives tolerated while resuming a session
// on a fresh connection.
const maxHandshakeSkips = 10

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateAwaitingAck
	stateReady
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateAwaitingAck:
		return "awaiting_ack"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// session is the handshake state of the current physical connection. The
// token channel serializes handshakes and reconnection; state and headers are
// only touched while holding it.
type session struct {
	token   chan struct{}
	state   sessionState
	headers map[string]string
}

func newSession(headers map[string]string) *session {
	s := &session{
		token:   make(chan struct{}, 1),
		headers: maps.Clone(headers),
	}
	s.token <- struct{}{}
	return s
}

func (s *session) acquire(ctx context.Context) error {
	select {
	case <-s.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) release() {
	s.token <- struct{}{}
}

// ensureSession makes the connection Ready for headers. Nil headers mean the
// session's current headers. A Ready session with different headers is
// re-initialized on the same connection.
func (e *Engine) ensureSession(ctx context.Context, headers map[string]string) error {
	if err := e.session.acquire(ctx); err != nil {
		return e.waitError("Engine.ensureSession", err)
	}
	defer e.session.release()

	if err := e.usable("Engine.ensureSession"); err != nil {
		return err
	}
	if headers == nil {
		headers = e.session.headers
	}
	if e.session.state == stateReady && maps.Equal(headers, e.session.headers) {
		return nil
	}
	l := e.currentLink()
	if l == nil {
		return &domain.ConnectionError{Op: "Engine.ensureSession", Err: domain.ErrConnectionLost}
	}
	return e.handshake(ctx, l, headers)
}

// handshake sends connection_init on a live link and waits for the receiver
// loop to hand over the server's answer.
func (e *Engine) handshake(ctx context.Context, l *link, headers map[string]string) (err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanHandshake)
	defer func() { tracer.Finish(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	defer cancel()

	l.drainUntagged()
	e.session.state = stateAwaitingAck
	e.logger.Debug("sending connection_init", logger.Headers("headers", headers))

	initFrame, err := domain.NewFrame(domain.FrameInit, "", domain.InitPayload{Headers: headers})
	if err != nil {
		e.session.state = stateFailed
		return err
	}
	if err := l.conn.Send(ctx, initFrame); err != nil {
		e.session.state = stateFailed
		return domain.WrapOp("Engine.handshake", err)
	}

	select {
	case f := <-l.untagged:
		return e.handshakeResult(f, headers)
	case <-l.done:
		e.session.state = stateFailed
		return &domain.ConnectionError{Op: "Engine.handshake", Err: domain.ErrConnectionLost}
	case <-e.ctx.Done():
		e.session.state = stateFailed
		return domain.NewDomainError("Engine.handshake", domain.ErrClientClosed, "")
	case <-ctx.Done():
		e.session.state = stateFailed
		return e.handshakeTimeoutError(ctx)
	}
}

// resume replays the handshake on a freshly dialed connection before any
// receiver loop reads from it.
func (e *Engine) resume(ctx context.Context, conn domain.Conn, headers map[string]string) (err error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanHandshake)
	defer func() { tracer.Finish(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	defer cancel()

	e.session.state = stateAwaitingAck
	initFrame, err := domain.NewFrame(domain.FrameInit, "", domain.InitPayload{Headers: headers})
	if err != nil {
		e.session.state = stateFailed
		return err
	}
	if err := conn.Send(ctx, initFrame); err != nil {
		e.session.state = stateFailed
		return domain.WrapOp("Engine.resume", err)
	}

	for skips := 0; ; {
		f, err := conn.Receive(ctx)
		switch {
		case errors.Is(err, domain.ErrMalformedFrame):
			e.logger.Warn("malformed frame during handshake", "error", err)
		case err != nil:
			e.session.state = stateFailed
			if ctx.Err() != nil {
				return e.handshakeTimeoutError(ctx)
			}
			return domain.WrapOp("Engine.resume", err)
		case f.Type != domain.FrameKeepAlive:
			return e.handshakeResult(f, headers)
		}
		skips++
		if skips > maxHandshakeSkips {
			e.session.state = stateFailed
			return domain.NewSubSystemError("handshake", "Engine.resume",
				&domain.ProtocolError{Frame: f, Reason: "no connection_ack before skip limit"}, "")
		}
	}
}

// handshakeResult applies the server's answer to connection_init.
func (e *Engine) handshakeResult(f domain.Frame, headers map[string]string) error {
	switch f.Type {
	case domain.FrameInitAck:
		e.session.state = stateReady
		e.session.headers = maps.Clone(headers)
		e.logger.Info("session initialized")
		e.emit(domain.EventSessionInitialized, "", nil, nil)
		return nil
	case domain.FrameInitError:
		e.session.state = stateFailed
		e.logger.Warn("session rejected", "payload", string(f.Payload))
		return &domain.ConnectionError{Op: "Engine.handshake", Payload: f.Payload, Err: domain.ErrHandshakeRejected}
	default:
		e.session.state = stateFailed
		return domain.NewSubSystemError("handshake", "Engine.handshake",
			&domain.ProtocolError{Frame: f, Reason: fmt.Sprintf("unexpected %q reply, expected %s", f.Type, domain.FrameInitAck)}, "")
	}
}

func (e *Engine) handshakeTimeoutError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("handshake", "Engine.handshake", domain.ErrTimeout, "no connection_ack")
	}
	return domain.WrapOp("Engine.handshake", ctx.Err())
}
