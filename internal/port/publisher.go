// Package port implements the publisher and subscriber port state
// machines: the broker-resident objects that own a history ring, a
// connection list, and (for subscribers) a delivery queue, and that drive
// the reference-counted chunk hand-off between them.
package port

import (
	"errors"
	"fmt"
	"sync"

	"shmbus/internal/chunk"
	"shmbus/internal/mempool"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// OfferState is the publisher port's chunk-sender state machine (spec
// §4.5). Transitions are driven by user calls (Offer/StopOffer) and by
// broker-delivered SUBSCRIBE/UNSUBSCRIBE commands, which in this
// broker-resident implementation are just Connect/Disconnect calls from
// the port graph.
type OfferState int

const (
	NotOffered OfferState = iota
	OfferRequested
	Offered
	StopOfferRequested
)

func (s OfferState) String() string {
	switch s {
	case NotOffered:
		return "NOT_OFFERED"
	case OfferRequested:
		return "OFFER_REQUESTED"
	case Offered:
		return "OFFERED"
	case StopOfferRequested:
		return "STOP_OFFER_REQUESTED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrAllocationFailed is returned by Loan when the chunk pool
	// backing a loan is exhausted.
	ErrAllocationFailed = errors.New("port: allocation failed")
	// ErrTooManyConsumers is returned by Connect when a publisher's
	// connection list is already at capacity.
	ErrTooManyConsumers = errors.New("port: too many consumers")
)

// deliveryTarget is the subset of *Subscriber the publisher side needs:
// enough to push a reference into its delivery queue and wake it up. A
// narrow interface instead of the concrete type keeps the publisher's
// actual dependency on the subscriber explicit and makes it mockable in
// tests.
type deliveryTarget interface {
	deliver(ptr relptr.Ptr) (queue.PushResult, relptr.Ptr)
	notify()
}

// Publisher is the broker-resident publisher port: descriptor, history
// ring of the last H sent chunks, connection list, and offer state.
type Publisher struct {
	mu sync.Mutex

	state   OfferState
	history *queue.Ring // relptr.Ptr -> chunk.Management, DiscardOldest
	conns   []deliveryTarget
	maxConn int

	reg *relptr.Registry
}

// NewPublisher builds a Publisher with a history ring of the given
// capacity (0 disables history) and a connection list bounded by
// maxConnections. initialState should be Offered or NotOffered per QoS.
func NewPublisher(reg *relptr.Registry, historyCapacity, maxConnections int, initialState OfferState) *Publisher {
	var hist *queue.Ring
	if historyCapacity > 0 {
		hist = queue.NewRing(historyCapacity, queue.DiscardOldest)
	}
	return &Publisher{
		state:   initialState,
		history: hist,
		maxConn: maxConnections,
		reg:     reg,
	}
}

// State reports the current offer state.
func (p *Publisher) State() OfferState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Offer requests the OFFERED state. The port graph settles the
// OFFER_REQUESTED -> OFFERED transition once discovery has run; here,
// since there's no separate broker round trip in this single-process
// design, it takes effect immediately.
func (p *Publisher) Offer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Offered
}

// StopOffer requests the NOT_OFFERED state.
func (p *Publisher) StopOffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = NotOffered
}

// SendChunk implements spec §4.5's sendChunk: append to history (releasing
// any evicted entry), then fan the chunk out to every connected
// subscriber, rolling back the refcount increment on a rejected push.
func (p *Publisher) SendChunk(ptr relptr.Ptr, mgmt *chunk.Management) {
	p.mu.Lock()
	conns := make([]deliveryTarget, len(p.conns))
	copy(conns, p.conns)
	hist := p.history
	p.mu.Unlock()

	if hist != nil {
		chunk.IncrementRefCount(mgmt)
		if res, evicted := hist.TryPush(ptr); res == queue.PushedEvicted {
			p.releasePtr(evicted)
		}
	}

	for _, sub := range conns {
		chunk.IncrementRefCount(mgmt)
		res, evicted := sub.deliver(ptr)
		switch res {
		case queue.Full:
			chunk.DecrementRefCount(mgmt)
		case queue.PushedEvicted:
			p.releasePtr(evicted)
			sub.notify()
		case queue.Pushed:
			sub.notify()
		}
	}
}

func (p *Publisher) releasePtr(ptr relptr.Ptr) {
	if ptr.IsNull() {
		return
	}
	mgmt := relptr.Get[chunk.Management](p.reg, ptr)
	chunk.DecrementRefCount(mgmt)
}

// Connect implements connectSubscriber: replays up to requestedHistory of
// the most recent history entries into sub, oldest first, under the same
// refcount discipline as a live send, and only then adds sub to the
// connection list (failing with ErrTooManyConsumers if full). p.mu is held
// across both steps so no concurrent SendChunk can observe sub in
// p.conns — and therefore deliver a live chunk into it — before history
// replay has finished: history is delivered first and live second, never
// interleaved.
func (p *Publisher) Connect(sub deliveryTarget, requestedHistory int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.maxConn {
		return ErrTooManyConsumers
	}

	if hist := p.history; hist != nil && requestedHistory > 0 {
		for _, ptr := range hist.Snapshot(requestedHistory) {
			mgmt := relptr.Get[chunk.Management](p.reg, ptr)
			chunk.IncrementRefCount(mgmt)
			res, evicted := sub.deliver(ptr)
			switch res {
			case queue.Full:
				chunk.DecrementRefCount(mgmt)
			case queue.PushedEvicted:
				p.releasePtr(evicted)
			}
		}
		sub.notify()
	}

	p.conns = append(p.conns, sub)
	return nil
}

// Disconnect implements disconnectSubscriber: removes sub from the
// connection list. Chunks already in flight keep their refcounts; they
// are released by the subscriber's own consumption or teardown.
func (p *Publisher) Disconnect(sub deliveryTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.conns {
		if s == sub {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Loan claims a chunk for this publisher to fill and eventually pass to
// SendChunk, translating pool exhaustion into ErrAllocationFailed per
// spec §4.5's failure taxonomy.
func (p *Publisher) Loan(payloadPool *mempool.MePoo, mgmtPool *mempool.Pool, originID, sequence uint64, nowNanos int64, payloadSize, payloadAlign uint32) (*chunk.Chunk, error) {
	c, err := chunk.Loan(payloadPool, mgmtPool, originID, sequence, nowNanos, payloadSize, payloadAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	return c, nil
}

// ConnectionCount reports the current number of connected subscribers.
func (p *Publisher) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
