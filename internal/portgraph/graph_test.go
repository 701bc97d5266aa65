package portgraph

import (
	"testing"
	"time"
	"unsafe"

	"shmbus/internal/chunk"
	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

const (
	payloadSegment relptr.SegmentID = 1
	mgmtSegment    relptr.SegmentID = 2
)

type fixture struct {
	reg         *relptr.Registry
	payloadPool *mempool.MePoo
	mgmtPool    *mempool.Pool
	mgmtBase    unsafe.Pointer
}

func newFixture(blockCount, mgmtCount uint32) *fixture {
	const blockSize = 64
	payloadBuf := make([]byte, int(blockSize)*int(blockCount))
	payloadBase := unsafe.Pointer(unsafe.SliceData(payloadBuf))
	tier := mempool.NewPool(payloadSegment, payloadBase, blockSize, blockCount)

	mgmtBuf := make([]byte, int(chunk.ManagementBlockSize())*int(mgmtCount))
	mgmtBase := unsafe.Pointer(unsafe.SliceData(mgmtBuf))
	mgmtPool := mempool.NewPool(mgmtSegment, mgmtBase, chunk.ManagementBlockSize(), mgmtCount)

	reg := relptr.NewRegistry()
	reg.Register(payloadSegment, payloadBase, uintptr(len(payloadBuf)))
	reg.Register(mgmtSegment, mgmtBase, uintptr(len(mgmtBuf)))

	return &fixture{
		reg:         reg,
		payloadPool: mempool.NewMePoo([]*mempool.Pool{tier}),
		mgmtPool:    mgmtPool,
		mgmtBase:    mgmtBase,
	}
}

func (f *fixture) send(t *testing.T, pub *port.Publisher, seq uint64, payloadSize uint32) {
	t.Helper()
	c, err := pub.Loan(f.payloadPool, f.mgmtPool, 1, seq, 0, payloadSize, 1)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	ptr := relptr.MakePtr(mgmtSegment, f.mgmtBase, unsafe.Pointer(c.Mgmt))
	pub.SendChunk(ptr, c.Mgmt)
}

func testDescriptor() Descriptor {
	return Descriptor{Service: "svc", Instance: "inst", Event: "evt"}
}

func TestCreateSubscriberConnectsToExistingPublisher(t *testing.T) {
	g := NewGraph(time.Second, 8, 8)
	f := newFixture(4, 4)

	pub := port.NewPublisher(f.reg, 4, 4, port.Offered)
	if _, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub); err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}

	sub := port.NewSubscriber(f.reg, 4, queue.DiscardOldest, 0, nil)
	if _, err := g.CreateSubscriberPort(testDescriptor(), "proc-b", sub); err != nil {
		t.Fatalf("CreateSubscriberPort: %v", err)
	}
	if sub.State() != port.Subscribed {
		t.Fatalf("sub.State() = %v, want Subscribed", sub.State())
	}

	f.send(t, pub, 1, 8)
	if _, result := sub.Take(); result != port.TakeOK {
		t.Fatalf("Take() result = %v, want TakeOK", result)
	}
}

func TestCreatePublisherConnectsWaitingSubscriber(t *testing.T) {
	g := NewGraph(time.Second, 8, 8)
	f := newFixture(4, 4)

	sub := port.NewSubscriber(f.reg, 4, queue.DiscardOldest, 0, nil)
	if _, err := g.CreateSubscriberPort(testDescriptor(), "proc-b", sub); err != nil {
		t.Fatalf("CreateSubscriberPort: %v", err)
	}
	if sub.State() != port.WaitForOffer {
		t.Fatalf("sub.State() = %v, want WaitForOffer", sub.State())
	}

	pub := port.NewPublisher(f.reg, 4, 4, port.Offered)
	if _, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub); err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}
	if sub.State() != port.Subscribed {
		t.Fatalf("sub.State() = %v, want Subscribed after matching publisher appears", sub.State())
	}
}

func TestRemovingPublisherRevertsSubscriberToWaitForOffer(t *testing.T) {
	g := NewGraph(time.Second, 8, 8)
	f := newFixture(4, 4)

	pub := port.NewPublisher(f.reg, 4, 4, port.Offered)
	pubHandle, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub)
	if err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}
	sub := port.NewSubscriber(f.reg, 4, queue.DiscardOldest, 0, nil)
	if _, err := g.CreateSubscriberPort(testDescriptor(), "proc-b", sub); err != nil {
		t.Fatalf("CreateSubscriberPort: %v", err)
	}

	if err := g.RemovePort(pubHandle); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	if sub.State() != port.WaitForOffer {
		t.Fatalf("sub.State() = %v, want WaitForOffer after publisher removal", sub.State())
	}
	if g.PublisherCount() != 0 {
		t.Fatalf("PublisherCount() = %d, want 0", g.PublisherCount())
	}
}

func TestRemovePortUnknownHandleErrors(t *testing.T) {
	g := NewGraph(time.Second, 8, 8)
	if err := g.RemovePort(Handle{}); err == nil {
		t.Fatal("expected error removing an unknown handle")
	}
}

func TestPublisherCapacityEnforced(t *testing.T) {
	g := NewGraph(time.Second, 1, 8)
	f := newFixture(4, 4)

	pub1 := port.NewPublisher(f.reg, 0, 4, port.Offered)
	if _, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub1); err != nil {
		t.Fatalf("first CreatePublisherPort: %v", err)
	}
	pub2 := port.NewPublisher(f.reg, 0, 4, port.Offered)
	if _, err := g.CreatePublisherPort(Descriptor{Service: "svc", Instance: "inst", Event: "other"}, "proc-c", pub2); err != ErrPublisherCapacity {
		t.Fatalf("second CreatePublisherPort error = %v, want ErrPublisherCapacity", err)
	}
}

func TestDiscoveryTickRemovesStaleProcessPorts(t *testing.T) {
	now := time.Now()
	g := NewGraph(time.Second, 8, 8)
	g.Now = func() time.Time { return now }
	f := newFixture(4, 4)

	pub := port.NewPublisher(f.reg, 0, 4, port.Offered)
	if _, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub); err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}
	g.KeepAlive("proc-a")

	sub := port.NewSubscriber(f.reg, 4, queue.DiscardOldest, 0, nil)
	if _, err := g.CreateSubscriberPort(testDescriptor(), "proc-b", sub); err != nil {
		t.Fatalf("CreateSubscriberPort: %v", err)
	}
	g.KeepAlive("proc-b")

	now = now.Add(2 * time.Second)
	removed, dead := g.DiscoveryTick()
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if len(dead) != 2 {
		t.Fatalf("dead processes = %v, want 2 entries", dead)
	}
	if g.PublisherCount() != 0 || g.SubscriberCount() != 0 {
		t.Fatalf("registry not empty after discovery sweep: pubs=%d subs=%d", g.PublisherCount(), g.SubscriberCount())
	}
}

func TestDiscoveryTickKeepsFreshProcesses(t *testing.T) {
	now := time.Now()
	g := NewGraph(time.Second, 8, 8)
	g.Now = func() time.Time { return now }
	f := newFixture(4, 4)

	pub := port.NewPublisher(f.reg, 0, 4, port.Offered)
	if _, err := g.CreatePublisherPort(testDescriptor(), "proc-a", pub); err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}
	g.KeepAlive("proc-a")

	now = now.Add(500 * time.Millisecond)
	g.KeepAlive("proc-a")
	now = now.Add(800 * time.Millisecond)

	removed, _ := g.DiscoveryTick()
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 for a process that kept its lease fresh", removed)
	}
}
