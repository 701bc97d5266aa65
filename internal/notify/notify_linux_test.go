//go:build linux

package notify

import (
	"context"
	"testing"
	"time"
)

func TestEventFDSignalWait(t *testing.T) {
	n, err := NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	defer n.Close()

	if err := n.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestEventFDWaitTimesOutWithoutSignal(t *testing.T) {
	n, err := NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Wait(ctx); err == nil {
		t.Fatal("expected Wait to time out with no pending signal")
	}
}

func TestEventFDCoalescesMultipleSignals(t *testing.T) {
	n, err := NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	defer n.Close()

	for i := 0; i < 5; i++ {
		if err := n.Signal(); err != nil {
			t.Fatalf("Signal %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	// Coalesced counter add means a single drain clears everything; a
	// second Wait with no intervening Signal must time out.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := n.Wait(ctx2); err == nil {
		t.Fatal("expected second Wait to time out, signals should not queue")
	}
}
