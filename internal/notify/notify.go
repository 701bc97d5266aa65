// Package notify implements the wake-up primitive a publisher port
// signals after pushing into a subscriber's delivery queue. On Linux this
// is a real eventfd so the notification crosses process boundaries
// without a syscall-heavy pipe; elsewhere it falls back to an in-process
// broadcast channel, since cross-process wakeups outside Linux are out of
// scope (the spec targets co-located Linux processes sharing /dev/shm).
package notify

import "context"

// Notifier is a level-triggered wake-up signal: Signal() is safe to call
// any number of times before a Wait observes it (wakeups coalesce, they do
// not queue), and Wait returns as soon as at least one Signal happened
// since the last Wait.
type Notifier interface {
	// Signal wakes any current and future Wait call at least once.
	Signal() error
	// Wait blocks until Signal has been called, or ctx is done.
	Wait(ctx context.Context) error
	// Close releases the underlying resource. Subsequent Signal/Wait calls
	// are undefined.
	Close() error
}

// FD is satisfied by notifiers backed by a real file descriptor
// (currently only the Linux eventfd implementation), so the segment
// layer can hand the fd to a client process that maps the same eventfd
// via SCM_RIGHTS on the control channel.
type FD interface {
	Notifier
	Fd() int
}
