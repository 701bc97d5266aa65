package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	regCalls int
	appID    uuid.UUID
	regDelay time.Duration
}

func (f *fakeDispatcher) RegApp(appName string, pid uint64) (uuid.UUID, []SegmentDescriptor, error) {
	if f.regDelay > 0 {
		time.Sleep(f.regDelay)
	}
	f.mu.Lock()
	f.regCalls++
	f.appID = uuid.Must(uuid.NewV7())
	id := f.appID
	f.mu.Unlock()
	return id, []SegmentDescriptor{{ID: 1, Name: "shmbus-default", AccessGroup: "default", Size: 4096}}, nil
}

func (f *fakeDispatcher) UnregApp(appID uuid.UUID) error { return nil }

func (f *fakeDispatcher) CreatePub(appID uuid.UUID, service, instance, event string, historyDepth, maxConnections uint32) (uuid.UUID, error) {
	return uuid.Must(uuid.NewV7()), nil
}

func (f *fakeDispatcher) CreateSub(appID uuid.UUID, service, instance, event string, requestedHistory, queueCapacity uint32, overflowPolicy uint8) (uuid.UUID, error) {
	if appID != f.appID {
		return uuid.UUID{}, errUnknownApp
	}
	return uuid.Must(uuid.NewV7()), nil
}

func (f *fakeDispatcher) RemovePort(appID uuid.UUID, handle uuid.UUID) error {
	return errUnknownHandle
}

func (f *fakeDispatcher) KeepAlive(appID uuid.UUID) error { return nil }

func startTestServer(t *testing.T, d Dispatcher) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln, d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	return ln.Addr().String(), func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func TestServerRegAppRoundTrip(t *testing.T) {
	d := &fakeDispatcher{}
	addr, stop := startTestServer(t, d)
	defer stop()

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	conn := NewConn(nc)

	if err := conn.WriteRecord(Record{Kind: KindRegApp, RequestID: 1, AppName: "demo", PID: 99}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	reply, err := conn.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if reply.Kind != KindRegAppReply {
		t.Fatalf("reply.Kind = %v, want KindRegAppReply", reply.Kind)
	}
	if reply.ErrorCode != OK {
		t.Fatalf("reply.ErrorCode = %v, want OK", reply.ErrorCode)
	}
	if len(reply.Segments) != 1 || reply.Segments[0].Name != "shmbus-default" {
		t.Fatalf("unexpected segments in reply: %+v", reply.Segments)
	}
	if d.regCalls != 1 {
		t.Fatalf("dispatcher.regCalls = %d, want 1", d.regCalls)
	}
}

func TestServerUnknownAppErrorCode(t *testing.T) {
	d := &fakeDispatcher{}
	addr, stop := startTestServer(t, d)
	defer stop()

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	conn := NewConn(nc)

	if err := conn.WriteRecord(Record{Kind: KindCreateSub, RequestID: 7, AppID: uuid.Must(uuid.NewV7())}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	reply, err := conn.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if reply.ErrorCode != ErrUnknownApp {
		t.Fatalf("reply.ErrorCode = %v, want ErrUnknownApp", reply.ErrorCode)
	}
}

// TestServerDedupsConcurrentDuplicateRequestID exercises the case the
// dedup layer actually protects against: a client that resends the same
// RequestID (e.g. after a timeout) while the original call is still in
// flight. Both arrivals must observe the same single execution.
func TestServerDedupsConcurrentDuplicateRequestID(t *testing.T) {
	d := &fakeDispatcher{regDelay: 100 * time.Millisecond}
	addr, stop := startTestServer(t, d)
	defer stop()

	req := Record{Kind: KindRegApp, RequestID: 5, AppName: "demo", PID: 1}
	results := make(chan Record, 2)
	for i := 0; i < 2; i++ {
		go func() {
			nc, err := net.Dial("tcp", addr)
			if err != nil {
				t.Error(err)
				return
			}
			defer nc.Close()
			conn := NewConn(nc)
			if err := conn.WriteRecord(req); err != nil {
				t.Error(err)
				return
			}
			reply, err := conn.ReadRecord()
			if err != nil {
				t.Error(err)
				return
			}
			results <- reply
		}()
	}

	first := <-results
	second := <-results
	if first.AppID != second.AppID {
		t.Fatalf("concurrent duplicate requests executed twice: %s vs %s", first.AppID, second.AppID)
	}
	d.mu.Lock()
	calls := d.regCalls
	d.mu.Unlock()
	if calls != 1 {
		t.Fatalf("dispatcher.regCalls = %d, want 1", calls)
	}
}
