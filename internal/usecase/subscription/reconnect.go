package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"time"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/config"
	"graphql-client/internal/infra/tracer"
)

// ReconnectPolicy controls how a dropped connection is re-established.
type ReconnectPolicy struct {
	Enabled        bool
	MaxAttempts    int // 0 = unlimited
	MinDelay       time.Duration
	MaxDelay       time.Duration
	AttemptsPerMin int // 0 = no rate limit
	Burst          int
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return PolicyFromConfig(config.Defaults().Reconnect)
}

// PolicyFromConfig converts the reconnect config section.
func PolicyFromConfig(c config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        c.Enabled,
		MaxAttempts:    c.MaxAttempts,
		MinDelay:       c.MinDelay,
		MaxDelay:       c.MaxDelay,
		AttemptsPerMin: c.AttemptsPerMin,
		Burst:          c.Burst,
	}
}

// backoff returns the delay before the given attempt (1-based): exponential
// from MinDelay, capped at MaxDelay, with jitter over the upper half.
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	if p.MinDelay <= 0 {
		return 0
	}
	d := p.MinDelay
	for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
}

// reconnect replaces a lost link. Subscriptions running at the moment of loss
// are resumed on the new connection under their original ids and callbacks.
// Queries in flight fail with ErrConnectionLost.
func (e *Engine) reconnect(old *link, cause error) {
	defer e.wg.Done()

	ctx, span := tracer.StartSpan(e.ctx, tracer.SpanReconnect)
	var err error
	defer func() { tracer.Finish(span, err) }()

	if e.session.acquire(e.ctx) != nil {
		return
	}
	held := true
	release := func() {
		if held {
			held = false
			e.session.release()
		}
	}
	defer release()

	e.mu.Lock()
	if e.link == old {
		e.link = nil
	}
	e.mu.Unlock()

	wasReady := e.session.state == stateReady
	headers := maps.Clone(e.session.headers)
	e.session.state = stateUninitialized

	lost := &domain.ConnectionError{Op: "Engine.receive", Err: fmt.Errorf("%w: %w", domain.ErrConnectionLost, cause)}
	e.registry.FailOneShots(lost)
	e.registry.DropStopping(lost)
	snapshot := e.registry.Subscriptions()
	e.emit(domain.EventDisconnected, "", nil, cause)

	if !e.policy.Enabled {
		err = lost
		release()
		e.fail(lost)
		return
	}

	var lastErr error = cause
	for attempt := 1; e.policy.MaxAttempts == 0 || attempt <= e.policy.MaxAttempts; attempt++ {
		e.emit(domain.EventReconnecting, "", map[string]int{"attempt": attempt}, lastErr)
		if e.limiter != nil {
			if e.limiter.Wait(e.ctx) != nil {
				return
			}
		}
		if !e.sleep(e.policy.backoff(attempt)) {
			return
		}

		l, aErr := e.reattach(ctx, wasReady, headers)
		if aErr != nil {
			if e.ctx.Err() != nil {
				return
			}
			lastErr = aErr
			e.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", aErr)
			continue
		}

		e.reconnects.Add(1)
		resumed := e.resubscribe(l, snapshot)
		span.SetAttributes(tracer.IntAttr(tracer.AttrReconnectAttempt, attempt), tracer.IntAttr(tracer.AttrResumed, resumed))
		e.logger.Info("reconnected", "attempt", attempt, "gen", l.gen, "resumed", resumed)
		e.emit(domain.EventReconnected, "", map[string]int{"attempt": attempt, "resumed": resumed}, nil)
		return
	}

	span.SetAttributes(tracer.IntAttr(tracer.AttrReconnectAttempt, e.policy.MaxAttempts))
	err = &domain.ConnectionError{
		Op:  "Engine.reconnect",
		Err: fmt.Errorf("%w after %d attempts: %w", domain.ErrReconnectExhausted, e.policy.MaxAttempts, lastErr),
	}
	release()
	e.fail(err)
}

// reattach dials a new connection, replays the handshake if the session had
// been initialized, and starts its receiver loop.
func (e *Engine) reattach(ctx context.Context, wasReady bool, headers map[string]string) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	conn, err := e.dialer.Dial(dialCtx, e.url)
	cancel()
	if err != nil {
		return nil, err
	}
	if wasReady {
		if err := e.resume(ctx, conn, headers); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return e.startLink(conn)
}

// resubscribe re-sends start for every snapshot subscription still registered.
func (e *Engine) resubscribe(l *link, snapshot []OperationInfo) int {
	resumed := 0
	for _, op := range snapshot {
		if !e.registry.Active(op.ID) {
			continue
		}
		f, err := domain.NewFrame(domain.FrameStart, op.ID, op.Request.StartPayload())
		if err != nil {
			continue
		}
		if err := l.conn.Send(e.ctx, f); err != nil {
			// The new receiver loop sees the failure and starts another round.
			e.logger.Warn("resubscribe failed", "id", op.ID, "error", err)
			return resumed
		}
		e.registry.MarkRunning(op.ID)
		resumed++
		e.emit(domain.EventSubscriptionResumed, op.ID, nil, nil)
	}
	return resumed
}

// fail puts the engine in a terminal failed state. Every later call returns
// err and every live subscription gets one final connection_error frame.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.failure = err
	e.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"message": err.Error()})
	n := e.registry.TerminateSubscriptions(func(id string) domain.Frame {
		return domain.Frame{Type: domain.FrameInitError, ID: id, Payload: payload}
	})
	e.registry.FailAll(err)
	e.logger.Error("connection unrecoverable", "error", err, "terminated", n)
	e.emit(domain.EventReconnectFailed, "", nil, err)
}

// sleep waits for d unless the engine closes first.
func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.ctx.Done():
		return false
	}
}
