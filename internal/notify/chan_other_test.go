//go:build !linux

package notify

import (
	"context"
	"testing"
	"time"
)

func TestChanNotifierSignalWait(t *testing.T) {
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

func TestChanNotifierWaitTimesOutWithoutSignal(t *testing.T) {
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
