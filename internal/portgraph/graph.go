// Package portgraph implements the broker's port registry: the
// service/instance/event-keyed table of publisher and subscriber ports,
// the connect/disconnect wiring between them, and the liveness-driven
// discovery sweep that garbage-collects a crashed process's ports (spec
// §4.7).
//
// Graph has no mutex of its own: none of its methods lock, and callers
// are responsible for never calling into one Graph from two goroutines at
// once.
package portgraph

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shmbus/internal/port"
)

// ProcessID identifies a client process that has completed the REG_APP
// handshake.
type ProcessID string

// Descriptor is the port-matching key: exact string equality on all three
// fields selects a topic (spec §4.7's "Matching policy").
type Descriptor struct {
	Service  string
	Instance string
	Event    string
}

// Handle is the opaque identifier returned by createPublisherPort and
// createSubscriberPort, and accepted by removePort.
type Handle = uuid.UUID

var (
	ErrUnknownHandle      = errors.New("portgraph: unknown port handle")
	ErrPublisherCapacity  = errors.New("portgraph: maxPublishers reached")
	ErrSubscriberCapacity = errors.New("portgraph: maxSubscribers reached")
)

type pubEntry struct {
	handle Handle
	owner  ProcessID
	desc   Descriptor
	port   *port.Publisher
}

type subEntry struct {
	handle      Handle
	owner       ProcessID
	desc        Descriptor
	port        *port.Subscriber
	connectedTo *pubEntry
}

// Graph is the broker's port registry.
type Graph struct {
	publishers  map[Descriptor]map[Handle]*pubEntry
	subscribers map[Descriptor]map[Handle]*subEntry
	byHandle    map[Handle]any // *pubEntry or *subEntry

	liveness           map[ProcessID]time.Time
	keepAliveThreshold time.Duration

	maxPublishers  int
	maxSubscribers int
	pubCount       int
	subCount       int

	// Now is the clock discoveryTick and KeepAlive use; overridable for
	// deterministic tests.
	Now func() time.Time
}

// NewGraph builds an empty port registry. keepAliveThreshold is the
// staleness window discoveryTick enforces; maxPublishers/maxSubscribers
// bound total port-pool capacity across every topic.
func NewGraph(keepAliveThreshold time.Duration, maxPublishers, maxSubscribers int) *Graph {
	return &Graph{
		publishers:         make(map[Descriptor]map[Handle]*pubEntry),
		subscribers:        make(map[Descriptor]map[Handle]*subEntry),
		byHandle:           make(map[Handle]any),
		liveness:           make(map[ProcessID]time.Time),
		keepAliveThreshold: keepAliveThreshold,
		maxPublishers:      maxPublishers,
		maxSubscribers:     maxSubscribers,
		Now:                time.Now,
	}
}

// KeepAlive refreshes owner's liveness epoch, as driven by a KEEP_ALIVE
// control message.
func (g *Graph) KeepAlive(owner ProcessID) {
	g.liveness[owner] = g.Now()
}

// CreatePublisherPort inserts p into the registry under desc, owned by
// owner, and connects it to every subscriber currently waiting for a
// matching offer.
func (g *Graph) CreatePublisherPort(desc Descriptor, owner ProcessID, p *port.Publisher) (Handle, error) {
	if g.pubCount >= g.maxPublishers {
		return Handle{}, ErrPublisherCapacity
	}
	h := uuid.Must(uuid.NewV7())
	e := &pubEntry{handle: h, owner: owner, desc: desc, port: p}

	if g.publishers[desc] == nil {
		g.publishers[desc] = make(map[Handle]*pubEntry)
	}
	g.publishers[desc][h] = e
	g.byHandle[h] = e
	g.pubCount++

	for _, sub := range g.subscribers[desc] {
		if sub.connectedTo != nil {
			continue
		}
		if err := p.Connect(sub.port, sub.port.RequestedHistory()); err == nil {
			sub.connectedTo = e
			sub.port.MarkSubscribed()
		}
	}
	return h, nil
}

// CreateSubscriberPort inserts s into the registry under desc, owned by
// owner, and connects it immediately if a matching publisher already
// exists; otherwise it is left in WAIT_FOR_OFFER.
func (g *Graph) CreateSubscriberPort(desc Descriptor, owner ProcessID, s *port.Subscriber) (Handle, error) {
	if g.subCount >= g.maxSubscribers {
		return Handle{}, ErrSubscriberCapacity
	}
	h := uuid.Must(uuid.NewV7())
	e := &subEntry{handle: h, owner: owner, desc: desc, port: s}

	if g.subscribers[desc] == nil {
		g.subscribers[desc] = make(map[Handle]*subEntry)
	}
	g.subscribers[desc][h] = e
	g.byHandle[h] = e
	g.subCount++

	for _, pub := range g.publishers[desc] {
		if err := pub.port.Connect(s, s.RequestedHistory()); err == nil {
			e.connectedTo = pub
			s.MarkSubscribed()
			break
		}
	}
	return h, nil
}

// RemovePort removes the port identified by handle from the registry,
// disconnecting it from its peer(s). A removed publisher's subscribers
// revert to WAIT_FOR_OFFER (matching the spec's "promoted when one
// appears" language for the reverse direction); a removed subscriber is
// simply dropped from its publisher's connection list.
func (g *Graph) RemovePort(handle Handle) error {
	rec, ok := g.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	delete(g.byHandle, handle)

	switch e := rec.(type) {
	case *pubEntry:
		delete(g.publishers[e.desc], handle)
		if len(g.publishers[e.desc]) == 0 {
			delete(g.publishers, e.desc)
		}
		g.pubCount--
		for _, sub := range g.subscribers[e.desc] {
			if sub.connectedTo == e {
				e.port.Disconnect(sub.port)
				sub.connectedTo = nil
				sub.port.MarkWaitingForOffer()
			}
		}
	case *subEntry:
		delete(g.subscribers[e.desc], handle)
		if len(g.subscribers[e.desc]) == 0 {
			delete(g.subscribers, e.desc)
		}
		g.subCount--
		if e.connectedTo != nil {
			e.connectedTo.port.Disconnect(e.port)
		}
	default:
		return fmt.Errorf("portgraph: handle %s has unexpected record type %T", handle, rec)
	}
	return nil
}

// DiscoveryTick examines every owning process's liveness epoch and
// removes, as if by RemovePort, every port owned by a process that has
// not refreshed its epoch within keepAliveThreshold.
func (g *Graph) DiscoveryTick() (removedPorts int, deadProcesses []ProcessID) {
	now := g.Now()
	for owner, last := range g.liveness {
		if now.Sub(last) <= g.keepAliveThreshold {
			continue
		}
		deadProcesses = append(deadProcesses, owner)
		for _, e := range g.portsOwnedBy(owner) {
			if err := g.RemovePort(e); err == nil {
				removedPorts++
			}
		}
		delete(g.liveness, owner)
	}
	return removedPorts, deadProcesses
}

// RemoveProcess removes every port owned by owner, as UNREG_APP does for a
// graceful disconnect (as opposed to DiscoveryTick's crash-timeout sweep)
// and forgets its liveness epoch.
func (g *Graph) RemoveProcess(owner ProcessID) (removedPorts int) {
	for _, e := range g.portsOwnedBy(owner) {
		if err := g.RemovePort(e); err == nil {
			removedPorts++
		}
	}
	delete(g.liveness, owner)
	return removedPorts
}

func (g *Graph) portsOwnedBy(owner ProcessID) []Handle {
	var handles []Handle
	for h, rec := range g.byHandle {
		switch e := rec.(type) {
		case *pubEntry:
			if e.owner == owner {
				handles = append(handles, h)
			}
		case *subEntry:
			if e.owner == owner {
				handles = append(handles, h)
			}
		}
	}
	return handles
}

// PublisherCount and SubscriberCount are observational, for diagnostics.
func (g *Graph) PublisherCount() int  { return g.pubCount }
func (g *Graph) SubscriberCount() int { return g.subCount }

// PublisherInfo is one publisher port's diagnostic snapshot.
type PublisherInfo struct {
	Handle          Handle
	Owner           ProcessID
	Descriptor      Descriptor
	State           string
	ConnectionCount int
}

// SubscriberInfo is one subscriber port's diagnostic snapshot.
type SubscriberInfo struct {
	Handle        Handle
	Owner         ProcessID
	Descriptor    Descriptor
	State         string
	QueueCapacity int
}

// Snapshot walks the registry and returns a diagnostic-only view of every
// live port (spec §4.11); it takes no lock beyond whatever the caller
// already holds on the broker's single dispatch thread, and must never be
// called from anywhere else.
func (g *Graph) Snapshot() (pubs []PublisherInfo, subs []SubscriberInfo) {
	for _, byHandle := range g.publishers {
		for _, e := range byHandle {
			pubs = append(pubs, PublisherInfo{
				Handle:          e.handle,
				Owner:           e.owner,
				Descriptor:      e.desc,
				State:           e.port.State().String(),
				ConnectionCount: e.port.ConnectionCount(),
			})
		}
	}
	for _, byHandle := range g.subscribers {
		for _, e := range byHandle {
			subs = append(subs, SubscriberInfo{
				Handle:        e.handle,
				Owner:         e.owner,
				Descriptor:    e.desc,
				State:         e.port.State().String(),
				QueueCapacity: e.port.QueueCapacity(),
			})
		}
	}
	return pubs, subs
}

// ResolvePublisher returns the live *port.Publisher registered under
// handle. In a real multi-process deployment a client would instead
// resolve its port's control block through the relative-pointer
// registry, the same way it resolves chunk payloads; since this
// implementation runs every client in the broker's own process, handing
// back the live object directly stands in for that resolution step.
func (g *Graph) ResolvePublisher(handle Handle) (*port.Publisher, bool) {
	e, ok := g.byHandle[handle].(*pubEntry)
	if !ok {
		return nil, false
	}
	return e.port, true
}

// ResolveSubscriber is ResolvePublisher's subscriber-side counterpart.
func (g *Graph) ResolveSubscriber(handle Handle) (*port.Subscriber, bool) {
	e, ok := g.byHandle[handle].(*subEntry)
	if !ok {
		return nil, false
	}
	return e.port, true
}
