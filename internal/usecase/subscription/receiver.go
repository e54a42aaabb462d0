package subscription

import (
	"errors"
	"time"

	"graphql-client/internal/domain"
)

// untaggedBuffer is how many connection-level frames wait for a handshake.
const untaggedBuffer = 16

// link is one physical connection and the receiver loop reading it.
type link struct {
	conn     domain.Conn
	gen      uint64
	untagged chan domain.Frame
	done     chan struct{} // closed when the receiver loop exits
}

func (l *link) drainUntagged() {
	for {
		select {
		case <-l.untagged:
		default:
			return
		}
	}
}

// receive is the receiver loop of one link. It is the only reader of the
// connection and the only goroutine that invokes subscription callbacks.
func (e *Engine) receive(l *link) {
	defer e.wg.Done()
	defer close(l.done)
	defer l.conn.Close()

	var watchdog *time.Timer
	if e.keepAliveTimeout > 0 {
		watchdog = time.AfterFunc(e.keepAliveTimeout, func() {
			e.logger.Warn("keep-alive timeout, closing connection", "gen", l.gen, "timeout", e.keepAliveTimeout)
			e.emit(domain.EventKeepAliveTimeout, "", nil, nil)
			l.conn.Close()
		})
		defer watchdog.Stop()
	}

	for {
		f, err := l.conn.Receive(e.ctx)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedFrame) {
				e.malformed.Add(1)
				e.logger.Warn("skipping malformed frame", "gen", l.gen, "error", err)
				e.emit(domain.EventMalformedFrame, "", nil, err)
				continue
			}
			if e.closed.Load() || e.ctx.Err() != nil {
				e.logger.Debug("receiver stopped", "gen", l.gen)
				return
			}
			e.logger.Warn("connection lost", "gen", l.gen, "error", err)
			e.wg.Add(1)
			go e.reconnect(l, err)
			return
		}
		if watchdog != nil {
			watchdog.Reset(e.keepAliveTimeout)
		}
		e.dispatch(l, f)
	}
}

// dispatch routes one decoded frame.
func (e *Engine) dispatch(l *link, f domain.Frame) {
	switch {
	case f.Type == domain.FrameKeepAlive:
		return
	case !f.Type.Known():
		e.violation(&domain.ProtocolError{Frame: f, Reason: "unknown frame type"})
		if f.ID == "" {
			// A pending handshake fails on it instead of waiting out its timeout.
			e.offerUntagged(l, f)
		}
	case f.ID == "" && f.Type.RequiresID():
		e.violation(&domain.ProtocolError{Frame: f, Reason: "missing operation id"})
	case f.ID != "":
		e.logger.Debug("frame received", "frame", f.String())
		e.registry.Route(f.ID, f)
	default:
		if f.Type == domain.FrameInitError {
			e.emit(domain.EventConnectionError, "", f.Payload, &domain.ConnectionError{
				Op:      "receive",
				Payload: f.Payload,
				Err:     domain.ErrHandshakeRejected,
			})
		}
		e.offerUntagged(l, f)
	}
}

// offerUntagged hands a frame without an id to whoever awaits a handshake.
func (e *Engine) offerUntagged(l *link, f domain.Frame) {
	select {
	case l.untagged <- f:
	default:
		e.logger.Warn("dropping connection-level frame, nobody waiting", "frame", f.String())
	}
}

func (e *Engine) violation(perr *domain.ProtocolError) {
	e.violations.Add(1)
	e.logger.Warn("protocol violation", "frame", perr.Frame.String(), "reason", perr.Reason)
	e.emit(domain.EventProtocolViolation, perr.Frame.ID, perr.Frame.Payload, perr)
}
