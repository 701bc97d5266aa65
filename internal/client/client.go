// Package client implements the application side of the control channel
// handshake (spec §6) and the thin wrappers around port.Publisher and
// port.Subscriber that turn a broker-issued port handle into something an
// application can Loan/SendChunk/Take/Release against directly, without
// any further broker round trip on the hot path.
//
// In a real multi-process deployment, resolving a control-channel
// SegmentDescriptor into a mapped region and a CREATE_PUB/CREATE_SUB
// reply's opaque handle into a live port object would both go through
// mmap and the relative-pointer registry. Since every client and the
// broker in this implementation share one process, SegmentResolver and
// PortResolver stand in for that resolution step: internal/broker
// implements both directly over the objects it already owns.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"shmbus/internal/chunk"
	"shmbus/internal/control"
	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/segment"
)

// SegmentResolver resolves a REG_APP reply's segment id to the mapped
// *segment.Segment it names, giving a client access to that segment's
// pools without mapping anything itself.
type SegmentResolver interface {
	ResolveSegment(id uint32) (*segment.Segment, bool)
}

// PortResolver resolves a CREATE_PUB/CREATE_SUB reply's opaque handle to
// the live broker-resident port object it names.
type PortResolver interface {
	ResolvePublisher(handle uuid.UUID) (*port.Publisher, bool)
	ResolveSubscriber(handle uuid.UUID) (*port.Subscriber, bool)
}

// Client is one application's handshake-established session with the
// broker: the control connection, the app id it was assigned, and the
// segments it was told about.
type Client struct {
	conn  *control.Conn
	reg   *relptr.Registry
	segs  SegmentResolver
	ports PortResolver

	// mu serializes request/reply round trips: this implementation keeps
	// one outstanding call in flight per connection, the way a single
	// full-duplex socket naturally serializes a request/reply protocol
	// when there's only one caller goroutine driving it.
	mu      sync.Mutex
	nextReq atomic.Uint64

	AppID   uuid.UUID
	AppName string

	byAccessGroup map[string]*segment.Segment
}

// Dial performs the REG_APP handshake against the broker listening at
// socketPath. If appName is empty a random two-word name is generated, so
// callers that don't care about their own display name (most short-lived
// tools) don't have to invent one.
func Dial(socketPath, appName string, reg *relptr.Registry, segs SegmentResolver, ports PortResolver) (*Client, error) {
	if appName == "" {
		appName = petname.Generate(2, "-")
	}

	conn, err := control.DialUnix(socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		reg:     reg,
		segs:    segs,
		ports:   ports,
		AppName: appName,
	}

	reply, err := c.call(control.Record{
		Kind:    control.KindRegApp,
		AppName: appName,
		PID:     uint64(os.Getpid()),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.ErrorCode != control.OK {
		conn.Close()
		return nil, fmt.Errorf("client: REG_APP rejected: %s", reply.ErrorCode)
	}

	c.AppID = reply.AppID
	c.byAccessGroup = make(map[string]*segment.Segment, len(reply.Segments))
	for _, sd := range reply.Segments {
		seg, ok := segs.ResolveSegment(sd.ID)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("client: cannot resolve segment %d (%s)", sd.ID, sd.Name)
		}
		c.byAccessGroup[sd.AccessGroup] = seg
	}
	return c, nil
}

// Close sends UNREG_APP and closes the connection. Per spec §6, every
// port this app still holds is torn down broker-side as a consequence.
func (c *Client) Close() error {
	reply, callErr := c.call(control.Record{Kind: control.KindUnregApp})
	closeErr := c.conn.Close()
	if callErr != nil {
		return callErr
	}
	if reply.ErrorCode != control.OK {
		return fmt.Errorf("client: UNREG_APP rejected: %s", reply.ErrorCode)
	}
	return closeErr
}

// KeepAlive refreshes this app's liveness epoch, so the broker's
// discovery sweep doesn't reclaim its ports.
func (c *Client) KeepAlive() error {
	reply, err := c.call(control.Record{Kind: control.KindKeepAlive})
	if err != nil {
		return err
	}
	if reply.ErrorCode != control.OK {
		return fmt.Errorf("client: KEEP_ALIVE rejected: %s", reply.ErrorCode)
	}
	return nil
}

// CreatePublisher sends CREATE_PUB and, on success, resolves the returned
// handle to a live Publisher bound to accessGroup's pools.
func (c *Client) CreatePublisher(accessGroup, service, instance, event string, historyDepth, maxConnections uint32) (*Publisher, error) {
	seg, ok := c.byAccessGroup[accessGroup]
	if !ok {
		return nil, fmt.Errorf("client: access group %q not offered by this broker", accessGroup)
	}

	reply, err := c.call(control.Record{
		Kind:           control.KindCreatePub,
		Service:        service,
		Instance:       instance,
		Event:          event,
		HistoryDepth:   historyDepth,
		MaxConnections: maxConnections,
	})
	if err != nil {
		return nil, err
	}
	if reply.ErrorCode != control.OK {
		return nil, fmt.Errorf("client: CREATE_PUB rejected: %s", reply.ErrorCode)
	}

	p, ok := c.ports.ResolvePublisher(reply.PortHandle)
	if !ok {
		return nil, fmt.Errorf("client: unresolvable publisher handle %s", reply.PortHandle)
	}
	return &Publisher{
		client:      c,
		handle:      reply.PortHandle,
		port:        p,
		payloadPool: seg.MePoo(),
		mgmtPool:    seg.ManagementPool(),
		originID:    originIDFromAppID(c.AppID),
	}, nil
}

// CreateSubscriber sends CREATE_SUB and, on success, resolves the
// returned handle to a live Subscriber.
func (c *Client) CreateSubscriber(service, instance, event string, queueCapacity uint32, policy queue.OverflowPolicy, requestedHistory uint32) (*Subscriber, error) {
	reply, err := c.call(control.Record{
		Kind:           control.KindCreateSub,
		Service:        service,
		Instance:       instance,
		Event:          event,
		HistoryDepth:   requestedHistory,
		QueueCapacity:  queueCapacity,
		OverflowPolicy: uint8(policy),
	})
	if err != nil {
		return nil, err
	}
	if reply.ErrorCode != control.OK {
		return nil, fmt.Errorf("client: CREATE_SUB rejected: %s", reply.ErrorCode)
	}

	s, ok := c.ports.ResolveSubscriber(reply.PortHandle)
	if !ok {
		return nil, fmt.Errorf("client: unresolvable subscriber handle %s", reply.PortHandle)
	}
	return &Subscriber{
		client: c,
		handle: reply.PortHandle,
		port:   s,
		reg:    c.reg,
	}, nil
}

func (c *Client) removePort(handle uuid.UUID) error {
	reply, err := c.call(control.Record{Kind: control.KindRemovePort, PortHandle: handle})
	if err != nil {
		return err
	}
	if reply.ErrorCode != control.OK {
		return fmt.Errorf("client: REMOVE_PORT rejected: %s", reply.ErrorCode)
	}
	return nil
}

func (c *Client) call(req control.Record) (control.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.AppID = c.AppID
	req.RequestID = c.nextReq.Add(1)
	if err := c.conn.WriteRecord(req); err != nil {
		return control.Record{}, fmt.Errorf("client: write %s: %w", req.Kind, err)
	}
	reply, err := c.conn.ReadRecord()
	if err != nil {
		return control.Record{}, fmt.Errorf("client: read reply to %s: %w", req.Kind, err)
	}
	return reply, nil
}

// originIDFromAppID derives a chunk origin id from the low 8 bytes of the
// app's broker-assigned uuid, so every chunk a publisher sends can be
// traced back to the app that sent it without carrying the full uuid in
// every ChunkHeader.
func originIDFromAppID(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[8:16])
}

// Publisher is an application's handle onto a broker-resident publisher
// port: the live port.Publisher to drive the OFFERED state machine and
// fan out sends, plus the pools a Loan call draws its chunk from.
type Publisher struct {
	client      *Client
	handle      uuid.UUID
	port        *port.Publisher
	payloadPool *mempool.MePoo
	mgmtPool    *mempool.Pool
	originID    uint64
	sequence    atomic.Uint64
}

// Offer moves the port to OFFERED, making it visible to matching
// subscribers.
func (p *Publisher) Offer() { p.port.Offer() }

// StopOffer moves the port to NOT_OFFERED.
func (p *Publisher) StopOffer() { p.port.StopOffer() }

// Loan claims a chunk sized for payloadSize bytes aligned to
// payloadAlign, tagged with this publisher's origin id and the next
// sequence number.
func (p *Publisher) Loan(payloadSize, payloadAlign uint32) (*chunk.Chunk, relptr.Ptr, error) {
	seq := p.sequence.Add(1)
	c, err := p.port.Loan(p.payloadPool, p.mgmtPool, p.originID, seq, time.Now().UnixNano(), payloadSize, payloadAlign)
	if err != nil {
		return nil, relptr.Ptr{}, err
	}
	ptr := relptr.MakePtr(p.mgmtPool.Segment(), p.mgmtPool.BaseAddr(), unsafe.Pointer(c.Mgmt))
	return c, ptr, nil
}

// SendChunk publishes a previously loaned chunk to every connected
// subscriber (and the history ring, if any), then releases the loaning
// caller's own reference: ownership passes entirely to whoever still
// holds a reference afterward (history, delivery queues).
func (p *Publisher) SendChunk(ptr relptr.Ptr, c *chunk.Chunk) {
	p.port.SendChunk(ptr, c.Mgmt)
	chunk.DecrementRefCount(c.Mgmt)
}

// ConnectionCount reports the number of subscribers currently connected.
func (p *Publisher) ConnectionCount() int { return p.port.ConnectionCount() }

// Close removes this publisher's port from the broker's registry.
func (p *Publisher) Close() error {
	return p.client.removePort(p.handle)
}

// Subscriber is an application's handle onto a broker-resident subscriber
// port.
type Subscriber struct {
	client *Client
	handle uuid.UUID
	port   *port.Subscriber
	reg    *relptr.Registry
}

// Subscribe requests SUBSCRIBE_REQUESTED; the port graph settles it to
// SUBSCRIBED once a matching publisher is found.
func (s *Subscriber) Subscribe() { s.port.Subscribe() }

// Unsubscribe requests UNSUBSCRIBE_REQUESTED.
func (s *Subscriber) Unsubscribe() { s.port.Unsubscribe() }

// Take pops the oldest undelivered chunk, if any.
func (s *Subscriber) Take() (*chunk.Management, port.TakeResult) {
	return s.port.Take()
}

// Header resolves a taken chunk's Management record back to its Header.
func (s *Subscriber) Header(mgmt *chunk.Management) *chunk.Header {
	return chunk.ResolveHeader(s.reg, mgmt)
}

// Release returns a taken chunk's reference.
func (s *Subscriber) Release(mgmt *chunk.Management) { s.port.Release(mgmt) }

// QueueCapacity reports the delivery queue's actual (power-of-two
// rounded) capacity.
func (s *Subscriber) QueueCapacity() int { return s.port.QueueCapacity() }

// Wait blocks until a chunk has been delivered since the last Wait (or
// Subscribe), or ctx is done, so a consumer loop can block instead of
// busy-polling Take.
func (s *Subscriber) Wait(ctx context.Context) error { return s.port.Wait(ctx) }

// Close drains any chunks still queued, releasing their references, then
// removes this subscriber's port from the broker's registry. Per spec
// §4.6 the drain must happen before the broker is told the port is gone.
func (s *Subscriber) Close() error {
	s.port.Teardown()
	return s.client.removePort(s.handle)
}
