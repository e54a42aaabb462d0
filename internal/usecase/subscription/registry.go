package subscription

import (
	"log/slog"
	"sync"

	"graphql-client/internal/domain"
)

const (
	retiredCapacity = 256 // recently unregistered ids whose late frames are dropped
	maxOrphanIDs    = 64  // unknown ids buffered at once
	maxOrphanFrames = 32  // frames buffered per unknown id
)

// routeResult reports what Route did with a frame.
type routeResult int

const (
	routeQueued    routeResult = iota // handed to the operation's delivery queue
	routeDelivered                    // passed to a subscription callback
	routeDiscarded                    // id was retired
	routeOrphaned                     // id unknown, frame buffered
)

// operation is one registered query, mutation or subscription.
type operation struct {
	id       string
	kind     domain.OperationKind
	status   domain.OperationStatus
	request  domain.Request
	callback domain.Callback
	queue    *queue
	// adopted orphan frames, delivered once the subscription is running
	pending []domain.Frame
}

// delivery is a batch of frames bound for one callback.
type delivery struct {
	cb     domain.Callback
	id     string
	frames []domain.Frame
}

// OperationInfo is a read-only snapshot of a registered operation.
type OperationInfo struct {
	ID      string
	Kind    domain.OperationKind
	Status  domain.OperationStatus
	Request domain.Request
}

func (op *operation) info() OperationInfo {
	return OperationInfo{ID: op.id, Kind: op.kind, Status: op.status, Request: op.request}
}

// registry maps operation ids to operations. One mutex guards every map;
// callbacks always run after it is released.
//
// Callback batches pass through a single outbox drained by one goroutine at a
// time, so callbacks never overlap and frames for one id keep wire order.
// Normally the drainer is the receiver goroutine inside Route, and a slow
// callback stalls delivery for every operation sharing the connection.
type registry struct {
	mu       sync.Mutex
	ops      map[string]*operation
	retired  retiredSet
	orphans  map[string][]domain.Frame
	order    []string // orphan ids, oldest first
	outbox   []delivery
	draining bool
	logger   *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		ops:     make(map[string]*operation),
		retired: newRetiredSet(retiredCapacity),
		orphans: make(map[string][]domain.Frame),
		logger:  logger,
	}
}

// Register adds an operation in the Pending state. Frames that arrived for id
// before registration are adopted.
func (r *registry) Register(id string, kind domain.OperationKind, req domain.Request, cb domain.Callback) (*operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[id]; exists {
		return nil, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrDuplicateOperation, id)
	}
	op := &operation{
		id:       id,
		kind:     kind,
		status:   domain.StatusPending,
		request:  req,
		callback: cb,
		queue:    newQueue(),
	}
	if frames, ok := r.takeOrphansLocked(id); ok {
		r.logger.Debug("adopting early frames", "id", id, "count", len(frames))
		if kind == domain.OneShot {
			for _, f := range frames {
				op.queue.Push(f)
			}
		} else {
			op.pending = frames
		}
	}
	r.retired.remove(id)
	r.ops[id] = op
	return op, nil
}

// MarkRunning moves a Pending operation to Running and delivers any frames a
// subscription adopted at registration.
func (r *registry) MarkRunning(id string) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok || op.status != domain.StatusPending {
		r.mu.Unlock()
		return
	}
	op.status = domain.StatusRunning
	if len(op.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := op.pending
	op.pending = nil
	r.deliverLocked(r.batchLocked(op, batch))
}

// MarkStopping flags a subscription as stopping and returns its queue, which
// from now on receives its frames instead of the callback.
func (r *registry) MarkStopping(id string) (*queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || op.kind != domain.Subscription {
		return nil, false
	}
	op.status = domain.StatusStopping
	op.pending = nil
	return op.queue, true
}

// Unregister removes id and remembers it as retired. It reports whether the
// operation was still registered.
func (r *registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id) != nil
}

func (r *registry) removeLocked(id string) *operation {
	op, ok := r.ops[id]
	if !ok {
		return nil
	}
	op.status = domain.StatusDone
	delete(r.ops, id)
	r.retired.add(id)
	return op
}

// Lookup returns a snapshot of the operation registered under id.
func (r *registry) Lookup(id string) (OperationInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return OperationInfo{}, false
	}
	return op.info(), true
}

// Len returns the number of registered operations.
func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Route delivers a frame that carries an operation id.
func (r *registry) Route(id string, f domain.Frame) routeResult {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok {
		if r.retired.has(id) {
			r.mu.Unlock()
			r.logger.Debug("discarding frame for retired operation", "frame", f.String())
			return routeDiscarded
		}
		r.bufferOrphanLocked(id, f)
		r.mu.Unlock()
		r.logger.Debug("buffering frame for unknown operation", "frame", f.String())
		return routeOrphaned
	}

	if op.kind == domain.OneShot || op.status == domain.StatusStopping {
		op.queue.Push(f)
		r.mu.Unlock()
		return routeQueued
	}

	batch := append(op.pending, f)
	op.pending = nil
	r.deliverLocked(r.batchLocked(op, batch))
	return routeDelivered
}

// batchLocked cuts batch after its first terminal frame and retires op when
// there is one.
func (r *registry) batchLocked(op *operation, batch []domain.Frame) delivery {
	for i, f := range batch {
		if f.Type.IsTerminal() {
			batch = batch[:i+1]
			r.removeLocked(op.id)
			break
		}
	}
	return delivery{cb: op.callback, id: op.id, frames: batch}
}

// deliverLocked queues batches on the outbox and drains it unless another
// goroutine already is. It is called with r.mu held and releases it.
func (r *registry) deliverLocked(batches ...delivery) {
	r.outbox = append(r.outbox, batches...)
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.outbox) > 0 {
		d := r.outbox[0]
		r.outbox[0] = delivery{}
		r.outbox = r.outbox[1:]
		r.mu.Unlock()
		for _, f := range d.frames {
			d.cb(d.id, f)
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

// Subscriptions snapshots every live subscription that is not stopping.
func (r *registry) Subscriptions() []OperationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OperationInfo
	for _, op := range r.ops {
		if op.kind == domain.Subscription && (op.status == domain.StatusRunning || op.status == domain.StatusPending) {
			out = append(out, op.info())
		}
	}
	return out
}

// Active reports whether id is a subscription still eligible to be resumed.
func (r *registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return ok && op.kind == domain.Subscription && op.status != domain.StatusStopping
}

// FailOneShots fails the queue of every pending query without unregistering
// it; the waiting caller unregisters.
func (r *registry) FailOneShots(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op.kind == domain.OneShot {
			op.queue.Fail(err)
		}
	}
}

// DropStopping unregisters stopping subscriptions and releases their waiters.
func (r *registry) DropStopping(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, op := range r.ops {
		if op.status == domain.StatusStopping {
			op.queue.Fail(err)
			r.removeLocked(id)
		}
	}
}

// TerminateSubscriptions unregisters every subscription and gives each
// callback one final terminal frame built by frameFn.
func (r *registry) TerminateSubscriptions(frameFn func(id string) domain.Frame) int {
	r.mu.Lock()
	var finals []delivery
	for id, op := range r.ops {
		if op.kind != domain.Subscription {
			continue
		}
		stopping := op.status == domain.StatusStopping
		r.removeLocked(id)
		op.queue.Fail(domain.ErrConnectionLost)
		if !stopping {
			finals = append(finals, delivery{cb: op.callback, id: id, frames: []domain.Frame{frameFn(id)}})
		}
	}
	r.deliverLocked(finals...)
	return len(finals)
}

// FailAll fails every delivery queue.
func (r *registry) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		op.queue.Fail(err)
	}
}

func (r *registry) bufferOrphanLocked(id string, f domain.Frame) {
	frames, exists := r.orphans[id]
	if !exists {
		if len(r.order) >= maxOrphanIDs {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.orphans, oldest)
		}
		r.order = append(r.order, id)
	}
	if len(frames) >= maxOrphanFrames {
		frames = frames[1:]
	}
	r.orphans[id] = append(frames, f)
}

func (r *registry) takeOrphansLocked(id string) ([]domain.Frame, bool) {
	frames, ok := r.orphans[id]
	if !ok {
		return nil, false
	}
	delete(r.orphans, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return frames, true
}

// retiredSet remembers the most recent ids in a fixed ring.
type retiredSet struct {
	ring []string
	next int
	slot map[string]int
}

func newRetiredSet(capacity int) retiredSet {
	return retiredSet{
		ring: make([]string, capacity),
		slot: make(map[string]int, capacity),
	}
}

func (s *retiredSet) add(id string) {
	if _, ok := s.slot[id]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		if i, ok := s.slot[old]; ok && i == s.next {
			delete(s.slot, old)
		}
	}
	s.ring[s.next] = id
	s.slot[id] = s.next
	s.next = (s.next + 1) % len(s.ring)
}

func (s *retiredSet) has(id string) bool {
	_, ok := s.slot[id]
	return ok
}

func (s *retiredSet) remove(id string) {
	delete(s.slot, id)
}
