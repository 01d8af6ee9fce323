package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/glasswing-wm/glasswing/inputwire"
)

// socketBufferSize bounds the kernel send/receive buffers on both ends of
// a pair. The kernel default is far larger than needed; a few dozen large
// multi-pointer motion events is enough headroom for an application that
// has fallen behind.
const socketBufferSize = 32 * 1024

// Channel is one endpoint of a reliable, ordered, message-preserving,
// bidirectional local link. It owns its file descriptor exclusively; Close
// releases it. Two channels created together share a connection token.
type Channel struct {
	log   *zap.Logger
	name  string
	fd    int
	token uuid.UUID
}

// NewChannel wraps an owned socket fd in a channel. The fd is switched to
// non-blocking mode; failure to do so means the fd is unusable and is
// fatal.
func NewChannel(name string, fd int, token uuid.UUID, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		fatalf("channel %q: could not make socket non-blocking: %v", name, err)
	}
	c := &Channel{log: log, name: name, fd: fd, token: token}
	c.log.Debug("input channel constructed", zap.String("name", name), zap.Int("fd", fd))
	return c
}

// Pair creates a connected channel pair over a unix SOCK_SEQPACKET
// socketpair. The two endpoints share a freshly minted token and are named
// "<name> (server)" and "<name> (client)".
func Pair(name string, log *zap.Logger) (server, client *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("channel %q: could not create socket pair: %w", name, err)
	}
	for _, fd := range fds {
		// Best effort; the kernel clamps out-of-range values itself.
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
	}
	token := uuid.New()
	server = NewChannel(name+" (server)", fds[0], token, log)
	client = NewChannel(name+" (client)", fds[1], token, log)
	return server, client, nil
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Token returns the opaque identity shared by both endpoints of the pair.
func (c *Channel) Token() uuid.UUID { return c.token }

// Fd returns the underlying descriptor. The channel retains ownership.
func (c *Channel) Fd() int { return c.fd }

// Close releases the fd. Safe to call more than once.
func (c *Channel) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	c.log.Debug("input channel closed", zap.String("name", c.name), zap.Int("fd", fd))
	return unix.Close(fd)
}

// SendMessage sanitizes and sends one message as a single atomic datagram.
// Returns nil on a full write, ErrWouldBlock when the kernel buffer is
// full, ErrDeadObject when the peer is gone, or the underlying errno.
func (c *Channel) SendMessage(msg *inputwire.Message) error {
	clean := msg.Sanitized()
	buf := clean.Marshal()
	var (
		n   int
		err error
	)
	for {
		n, err = unix.SendmsgN(c.fd, buf, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		c.log.Debug("error sending message",
			zap.String("channel", c.name),
			zap.Stringer("type", msg.Header.Type),
			zap.Error(err))
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return ErrWouldBlock
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ENOTCONN),
			errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET):
			return ErrDeadObject
		}
		return err
	}
	if n != len(buf) {
		c.log.Debug("incomplete send",
			zap.String("channel", c.name),
			zap.Stringer("type", msg.Header.Type))
		return ErrDeadObject
	}
	return nil
}

// ReceiveMessage performs a single non-blocking receive of one datagram
// into msg. Returns ErrWouldBlock when no datagram is queued, ErrDeadObject
// on EOF or a vanished peer, an error wrapping ErrBadValue when the
// datagram does not decode to a structurally valid message, or the
// underlying errno.
func (c *Channel) ReceiveMessage(msg *inputwire.Message) error {
	buf := make([]byte, inputwire.MaxMessageSize)
	var (
		n   int
		err error
	)
	for {
		n, _, err = unix.Recvfrom(c.fd, buf, unix.MSG_DONTWAIT)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		c.log.Debug("receive message failed", zap.String("channel", c.name), zap.Error(err))
		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return ErrWouldBlock
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ENOTCONN),
			errors.Is(err, unix.ECONNREFUSED):
			return ErrDeadObject
		}
		return err
	}
	if n == 0 {
		// EOF: the peer closed its end.
		c.log.Debug("receive message failed because peer was closed", zap.String("channel", c.name))
		return ErrDeadObject
	}
	if err := msg.Unmarshal(buf[:n]); err != nil {
		c.log.Error("received invalid message",
			zap.String("channel", c.name),
			zap.Int("size", n),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	return nil
}

// ProbablyHasInput reports whether a datagram is likely waiting. A false
// return can be a false negative: EINTR and ENOMEM from poll are not
// retried here, they simply read as "no input".
func (c *Channel) ProbablyHasInput() bool {
	pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfds, 0)
	if err != nil || n <= 0 {
		return false
	}
	return pfds[0].Revents&unix.POLLIN != 0
}

// WaitForMessage blocks until the channel polls readable or the timeout
// elapses, re-entering the poll after interruptions. A negative timeout is
// a caller bug and is fatal.
func (c *Channel) WaitForMessage(timeout time.Duration) {
	if timeout < 0 {
		fatalf("channel %q: timeout cannot be negative, received %v", c.name, timeout)
	}
	deadline := time.Now().Add(timeout)
	remaining := timeout
	for {
		pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		_, err := unix.Poll(pfds, int(remaining.Milliseconds()))
		remaining = time.Until(deadline)
		if errors.Is(err, unix.EINTR) && remaining > 0 {
			continue
		}
		return
	}
}

// Dup returns an independent channel over a duplicated fd, sharing the
// same name and token. Running out of file descriptors is fatal: throwing
// that error deeper into the stack only spreads the damage.
func (c *Channel) Dup() (*Channel, error) {
	newFd, err := unix.Dup(c.fd)
	if err != nil {
		if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
			fatalf("too many open files, could not duplicate channel %q", c.name)
		}
		return nil, fmt.Errorf("could not duplicate fd %d: %w", c.fd, err)
	}
	return NewChannel(c.name, newFd, c.token, c.log), nil
}
