package client

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"shmbus/internal/chunk"
	"shmbus/internal/control"
	"shmbus/internal/port"
	"shmbus/internal/portgraph"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/segment"
)

// testBroker is a minimal stand-in for internal/broker: just enough of a
// control.Dispatcher, SegmentResolver and PortResolver to drive a Client
// end to end against one access group's segment.
type testBroker struct {
	reg   *relptr.Registry
	graph *portgraph.Graph
	seg   *segment.Segment
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	reg := relptr.NewRegistry()
	seg, err := segment.Build(reg, 1, "shmbus-default", "default",
		[]segment.PoolSpec{{BlockSize: 256, BlockCount: 8}}, 8)
	if err != nil {
		t.Fatalf("segment.Build: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return &testBroker{
		reg:   reg,
		graph: portgraph.NewGraph(time.Minute, 16, 16),
		seg:   seg,
	}
}

func (b *testBroker) RegApp(appName string, pid uint64) (uuid.UUID, []control.SegmentDescriptor, error) {
	id := uuid.Must(uuid.NewV7())
	b.graph.KeepAlive(portgraph.ProcessID(id.String()))
	return id, []control.SegmentDescriptor{
		{ID: uint32(b.seg.ID), Name: b.seg.Name, AccessGroup: b.seg.AccessGroup, Size: uint64(b.seg.Size())},
	}, nil
}

func (b *testBroker) UnregApp(appID uuid.UUID) error { return nil }

func (b *testBroker) CreatePub(appID uuid.UUID, service, instance, event string, historyDepth, maxConnections uint32) (uuid.UUID, error) {
	p := port.NewPublisher(b.reg, int(historyDepth), int(maxConnections), port.Offered)
	return b.graph.CreatePublisherPort(portgraph.Descriptor{Service: service, Instance: instance, Event: event}, portgraph.ProcessID(appID.String()), p)
}

func (b *testBroker) CreateSub(appID uuid.UUID, service, instance, event string, requestedHistory, queueCapacity uint32, overflowPolicy uint8) (uuid.UUID, error) {
	s := port.NewSubscriber(b.reg, int(queueCapacity), queue.OverflowPolicy(overflowPolicy), int(requestedHistory), nil)
	return b.graph.CreateSubscriberPort(portgraph.Descriptor{Service: service, Instance: instance, Event: event}, portgraph.ProcessID(appID.String()), s)
}

func (b *testBroker) RemovePort(appID, handle uuid.UUID) error {
	return b.graph.RemovePort(handle)
}

func (b *testBroker) KeepAlive(appID uuid.UUID) error {
	b.graph.KeepAlive(portgraph.ProcessID(appID.String()))
	return nil
}

func (b *testBroker) ResolveSegment(id uint32) (*segment.Segment, bool) {
	if relptr.SegmentID(id) != b.seg.ID {
		return nil, false
	}
	return b.seg, true
}

func (b *testBroker) ResolvePublisher(h uuid.UUID) (*port.Publisher, bool) {
	return b.graph.ResolvePublisher(h)
}

func (b *testBroker) ResolveSubscriber(h uuid.UUID) (*port.Subscriber, bool) {
	return b.graph.ResolveSubscriber(h)
}

func startTestBroker(t *testing.T) (socketPath string, broker *testBroker) {
	t.Helper()
	broker = newTestBroker(t)
	socketPath = filepath.Join(t.TempDir(), "broker.sock")

	ln, err := control.ListenUnix(socketPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	srv := control.NewServer(ln, broker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})
	return socketPath, broker
}

func TestDialHandshakeAssignsAppIDAndSegments(t *testing.T) {
	socketPath, broker := startTestBroker(t)

	c, err := Dial(socketPath, "my-app", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.AppID == (uuid.UUID{}) {
		t.Fatal("expected a non-zero AppID after handshake")
	}
	if c.AppName != "my-app" {
		t.Fatalf("AppName = %q, want my-app", c.AppName)
	}
	if _, ok := c.byAccessGroup["default"]; !ok {
		t.Fatal("expected the default access group to be resolved")
	}
}

func TestDialGeneratesNameWhenEmpty(t *testing.T) {
	socketPath, broker := startTestBroker(t)

	c, err := Dial(socketPath, "", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.AppName == "" {
		t.Fatal("expected a generated AppName")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	socketPath, broker := startTestBroker(t)

	pubClient, err := Dial(socketPath, "publisher", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial (publisher): %v", err)
	}
	defer pubClient.Close()

	subClient, err := Dial(socketPath, "subscriber", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial (subscriber): %v", err)
	}
	defer subClient.Close()

	sub, err := subClient.CreateSubscriber("svc", "inst", "evt", 4, queue.RejectNew, 0)
	if err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	defer sub.Close()

	pub, err := pubClient.CreatePublisher("default", "svc", "inst", "evt", 0, 4)
	if err != nil {
		t.Fatalf("CreatePublisher: %v", err)
	}
	defer pub.Close()
	pub.Offer()

	if got := pub.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1 (subscriber connected at CreatePub time)", got)
	}

	c, ptr, err := pub.Loan(64, 1)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	want := bytes.Repeat([]byte{0x42}, 64)
	copy(c.Payload(), want)
	pub.SendChunk(ptr, c)

	mgmt, result := sub.Take()
	if result != port.TakeOK {
		t.Fatalf("Take result = %v, want TakeOK", result)
	}
	hdr := sub.Header(mgmt)
	got := (&chunk.Chunk{Header: hdr, Mgmt: mgmt}).Payload()
	if !bytes.Equal(got, want) {
		t.Fatalf("payload = %x, want %x", got, want)
	}
	sub.Release(mgmt)
}

func TestCreatePublisherRejectsUnknownAccessGroup(t *testing.T) {
	socketPath, broker := startTestBroker(t)
	c, err := Dial(socketPath, "", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.CreatePublisher("nonexistent", "svc", "inst", "evt", 0, 1); err == nil {
		t.Fatal("expected an error creating a publisher in an unknown access group")
	}
}

func TestKeepAlive(t *testing.T) {
	socketPath, broker := startTestBroker(t)
	c, err := Dial(socketPath, "", broker.reg, broker, broker)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
}
