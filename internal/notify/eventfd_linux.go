//go:build linux

package notify

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a Notifier backed by a Linux eventfd in semaphore-less
// (counter) mode: every Signal adds 1 to the kernel-held 64-bit counter,
// and a Wait reads it, blocking until it is non-zero, then resets it to 0.
// That read-then-reset is exactly the coalescing "at least one wakeup
// since last Wait" contract Notifier promises.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd and wraps it as a Notifier.
// Grounded on the joeycumines-go-utilpkg eventloop package's
// createWakeFd/drainWakeUpPipe pattern for Linux wakeups, generalized
// from a single event-loop's internal wake pipe to a per-subscriber
// cross-process notification handle.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("notify: create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for passing to another
// process over a Unix domain socket's SCM_RIGHTS ancillary data.
func (e *EventFD) Fd() int { return e.fd }

// Signal adds 1 to the eventfd counter, waking any blocked reader.
func (e *EventFD) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("notify: signal eventfd: %w", err)
	}
	return nil
}

// Wait blocks (via poll) until the eventfd counter is non-zero, then
// drains it back to zero.
func (e *EventFD) Wait(ctx context.Context) error {
	for {
		var buf [8]byte
		_, err := unix.Read(e.fd, buf[:])
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN {
			return fmt.Errorf("notify: read eventfd: %w", err)
		}

		fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		timeout := -1
		if deadline, ok := ctx.Deadline(); ok {
			if ms := int(time.Until(deadline) / time.Millisecond); ms < 0 {
				timeout = 0
			} else {
				timeout = ms
			}
		}
		n, perr := unix.Poll(fds, timeout)
		if perr != nil && perr != unix.EINTR {
			return fmt.Errorf("notify: poll eventfd: %w", perr)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Close closes the eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
