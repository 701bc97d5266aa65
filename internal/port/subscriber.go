package port

import (
	"context"
	"sync"

	"shmbus/internal/chunk"
	"shmbus/internal/notify"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// SubState is the subscriber port's subscription state machine (spec §4.6).
type SubState int

const (
	NotSubscribed SubState = iota
	SubscribeRequested
	Subscribed
	UnsubscribeRequested
	WaitForOffer
)

func (s SubState) String() string {
	switch s {
	case NotSubscribed:
		return "NOT_SUBSCRIBED"
	case SubscribeRequested:
		return "SUBSCRIBE_REQUESTED"
	case Subscribed:
		return "SUBSCRIBED"
	case UnsubscribeRequested:
		return "UNSUBSCRIBE_REQUESTED"
	case WaitForOffer:
		return "WAIT_FOR_OFFER"
	default:
		return "UNKNOWN"
	}
}

// TakeResult is returned by Subscriber.Take.
type TakeResult int

const (
	// TakeOK means the returned Management record is a valid popped entry.
	TakeOK TakeResult = iota
	// TakeEmpty means the delivery queue had nothing to pop.
	TakeEmpty
	// TakeOverflown means a chunk was returned (or, if the queue is also
	// empty, none was) but the delivery queue has discarded at least one
	// entry since the last Take; the flag is cleared by this call.
	TakeOverflown
)

// Subscriber is the broker-resident subscriber port: delivery queue,
// subscription state, and a notification primitive woken by SendChunk.
type Subscriber struct {
	mu sync.Mutex

	state            SubState
	queueCap         int
	overflowPolicy   queue.OverflowPolicy
	q                *queue.Ring
	requestedHistory int
	notifier         notify.Notifier

	reg *relptr.Registry
}

// NewSubscriber builds a Subscriber port. queueCapacity and policy
// configure the delivery queue; requestedHistory is how many of a
// publisher's past sends to replay on connect.
func NewSubscriber(reg *relptr.Registry, queueCapacity int, policy queue.OverflowPolicy, requestedHistory int, notifier notify.Notifier) *Subscriber {
	return &Subscriber{
		state:            WaitForOffer,
		queueCap:         queueCapacity,
		overflowPolicy:   policy,
		q:                queue.NewRing(queueCapacity, policy),
		requestedHistory: requestedHistory,
		notifier:         notifier,
		reg:              reg,
	}
}

// State reports the current subscription state.
func (s *Subscriber) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe requests SUBSCRIBE_REQUESTED. The port graph (Connect, called
// from the publisher side once a match is found) is what actually
// advances the state to SUBSCRIBED.
func (s *Subscriber) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubscribeRequested
}

// Unsubscribe requests UNSUBSCRIBE_REQUESTED.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = UnsubscribeRequested
}

// RequestedHistory reports how many past sends this subscriber asked to
// be replayed on connect.
func (s *Subscriber) RequestedHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestedHistory
}

// MarkSubscribed is called by the port graph once a matching publisher
// has accepted this subscriber into its connection list.
func (s *Subscriber) MarkSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Subscribed
}

// MarkWaitingForOffer reverts to WAIT_FOR_OFFER, e.g. after the connected
// publisher's port is removed.
func (s *Subscriber) MarkWaitingForOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = WaitForOffer
}

// deliver pushes ptr into the delivery queue; it is how *Subscriber
// satisfies the deliveryTarget interface the publisher side depends on.
func (s *Subscriber) deliver(ptr relptr.Ptr) (queue.PushResult, relptr.Ptr) {
	return s.q.TryPush(ptr)
}

// notify signals the subscriber's wake-up primitive.
func (s *Subscriber) notify() {
	if s.notifier != nil {
		_ = s.notifier.Signal()
	}
}

// Take pops one entry from the delivery queue and resolves it to its
// ChunkManagement record. If the queue has discarded an entry since the
// last Take, the overflow flag is surfaced once (result TakeOverflown) and
// cleared, per spec §4.6.
func (s *Subscriber) Take() (*chunk.Management, TakeResult) {
	ptr, ok := s.q.TryPop()
	overflowed := s.q.Overflowed()

	if !ok {
		if overflowed {
			return nil, TakeOverflown
		}
		return nil, TakeEmpty
	}

	mgmt := relptr.Get[chunk.Management](s.reg, ptr)
	if overflowed {
		return mgmt, TakeOverflown
	}
	return mgmt, TakeOK
}

// Release decrements the refcount of a chunk previously returned by Take.
func (s *Subscriber) Release(mgmt *chunk.Management) {
	chunk.DecrementRefCount(mgmt)
}

// Teardown drains the delivery queue, releasing every chunk still queued.
// Per spec §4.6 this happens on destruction, before the broker is told to
// remove the port.
func (s *Subscriber) Teardown() {
	for {
		ptr, ok := s.q.TryPop()
		if !ok {
			break
		}
		mgmt := relptr.Get[chunk.Management](s.reg, ptr)
		chunk.DecrementRefCount(mgmt)
	}
}

// QueueCapacity reports the configured (rounded-up-to-power-of-two)
// delivery queue capacity.
func (s *Subscriber) QueueCapacity() int { return s.q.Capacity() }

// Wait blocks until SendChunk has signalled this subscriber's notifier at
// least once since the last Wait, or ctx is done. Per spec §4.1's
// suspension rules this is the only point a consumer blocks; Take itself
// stays wait-free. A Subscriber built with a nil notifier (e.g. a unit test
// that never waits) always returns immediately.
func (s *Subscriber) Wait(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Wait(ctx)
}
