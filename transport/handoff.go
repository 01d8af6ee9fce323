package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Channel hand-off: a channel endpoint can be transferred to another
// process over an existing unix stream connection, carrying the fd via
// SCM_RIGHTS and the (name, token) identity alongside it. CopyTo leaves
// this endpoint usable; MoveTo transfers ownership and closes it.

func (c *Channel) sendOver(conn *net.UnixConn, fd int) error {
	payload := make([]byte, 0, 16+len(c.name))
	payload = append(payload, c.token[:]...)
	payload = append(payload, c.name...)
	rights := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix(payload, rights, nil); err != nil {
		return fmt.Errorf("channel %q: hand-off send: %w", c.name, err)
	}
	return nil
}

// CopyTo sends a duplicate of this endpoint over conn. The local channel
// remains usable.
func (c *Channel) CopyTo(conn *net.UnixConn) error {
	dupFd, err := unix.Dup(c.fd)
	if err != nil {
		if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
			fatalf("too many open files, could not duplicate channel %q", c.name)
		}
		return fmt.Errorf("channel %q: hand-off dup: %w", c.name, err)
	}
	if err := c.sendOver(conn, dupFd); err != nil {
		unix.Close(dupFd)
		return err
	}
	return unix.Close(dupFd)
}

// MoveTo transfers ownership of this endpoint over conn and closes the
// local channel. After a successful move the channel must not be used.
func (c *Channel) MoveTo(conn *net.UnixConn) error {
	if err := c.sendOver(conn, c.fd); err != nil {
		return err
	}
	return c.Close()
}

// ReceiveChannel accepts a channel handed off over conn.
func ReceiveChannel(conn *net.UnixConn, log *zap.Logger) (*Channel, error) {
	payload := make([]byte, 16+256)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return nil, fmt.Errorf("channel hand-off receive: %w", err)
	}
	if n < 16 {
		return nil, fmt.Errorf("channel hand-off receive: short payload of %d bytes", n)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("channel hand-off receive: parse control message: %w", err)
	}
	var fds []int
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("channel hand-off receive: expected 1 fd, got %d", len(fds))
	}
	var token uuid.UUID
	copy(token[:], payload[:16])
	name := string(payload[16:n])
	return NewChannel(name, fds[0], token, log), nil
}
