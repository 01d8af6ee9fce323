// Package transport implements the two endpoints of an input channel: the
// publisher, which serializes and sends input events, and the consumer,
// which receives them, batches consecutive motion samples, resamples touch
// coordinates toward a frame deadline and acknowledges every event back to
// the publisher.
//
// A publisher and a consumer are each owned by a single goroutine; none of
// the public APIs are safe for concurrent use on one instance. The two
// endpoints may live in different processes and share nothing but the
// kernel socket between them.
package transport

import (
	"errors"
	"fmt"
)

// Status errors surfaced by channel and endpoint operations. Apart from
// the error ReceiveConsumerResponse returns for an unexpected message
// type, any error not wrapping one of these is an OS-level send/receive
// failure carried through as a syscall.Errno.
var (
	// ErrWouldBlock means the operation cannot make progress right now:
	// the kernel buffer is full on send, or empty on receive. Retry after
	// the fd polls ready.
	ErrWouldBlock = errors.New("would block")

	// ErrDeadObject means the peer endpoint is gone. Not retryable.
	ErrDeadObject = errors.New("dead object")

	// ErrBadValue means a caller or peer supplied structurally invalid
	// data (bad size, bad pointer count, zero sequence number).
	ErrBadValue = errors.New("bad value")

	// ErrNoMemory means the event factory failed to allocate an event.
	ErrNoMemory = errors.New("no memory")
)

// fatalf reports a bug in this endpoint (not a peer failure): protocol
// state that can only be reached through caller misuse. It does not
// return.
func fatalf(format string, args ...any) {
	panic(fmt.Sprintf("input transport: "+format, args...))
}
