package inputsvc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/glasswing-wm/glasswing/transport"
)

// The poll loop is the "socket owner" of the transport: one goroutine
// polling every connection fd plus a self-pipe used to re-arm the set when
// connections come and go. Readable consumers are drained immediately with
// batching deferred; pending batches are flushed once per frame interval.

func (s *Service) openWakePipe() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	s.wakeR, s.wakeW = fds[0], fds[1]
	return nil
}

func (s *Service) closeWakePipe() {
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}

// wake kicks the poll loop out of its current wait.
func (s *Service) wake() {
	if s.wakeW < 0 {
		return
	}
	for {
		_, err := unix.Write(s.wakeW, []byte{0})
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (s *Service) drainWakePipe() {
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(s.wakeR, buf)
		if err != nil {
			return
		}
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	// The context has no fd to poll, so cancellation is translated into a
	// wake through the pipe.
	go func() {
		<-ctx.Done()
		s.wake()
	}()

	nextFrame := s.now().Add(s.options.frameInterval)
	for ctx.Err() == nil {
		pfds := []unix.PollFd{{Fd: int32(s.wakeR), Events: unix.POLLIN}}
		var polled []*conn
		s.conns.Range(func(_ string, cn *conn) bool {
			pfds = append(pfds, unix.PollFd{Fd: int32(cn.channel.Fd()), Events: unix.POLLIN})
			polled = append(polled, cn)
			return true
		})

		timeout := time.Until(nextFrame)
		if timeout < 0 {
			timeout = 0
		}
		_, err := unix.Poll(pfds, int(timeout.Milliseconds())+1)
		if err != nil && !errors.Is(err, unix.EINTR) {
			s.log.Error("poll failed", zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if pfds[0].Revents != 0 {
			s.drainWakePipe()
		}

		for i, cn := range polled {
			if pfds[i+1].Revents == 0 {
				continue
			}
			s.service(ctx, cn, false, -1)
		}

		if !s.now().Before(nextFrame) {
			frameTime := s.now().UnixNano()
			s.conns.Range(func(_ string, cn *conn) bool {
				if cn.role == roleConsumer && cn.cons.HasPendingBatch() {
					s.service(ctx, cn, true, frameTime)
				}
				return true
			})
			nextFrame = s.now().Add(s.options.frameInterval)
		}
	}
}

func (s *Service) service(ctx context.Context, cn *conn, consumeBatches bool, frameTime int64) {
	switch cn.role {
	case rolePublisher:
		s.drainResponses(cn)
	case roleConsumer:
		s.drainEvents(ctx, cn, consumeBatches, frameTime)
	}
}

// drainResponses pulls FINISHED and TIMELINE messages off a publisher
// connection.
func (s *Service) drainResponses(cn *conn) {
	for {
		resp, err := cn.pub.ReceiveConsumerResponse()
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return
			}
			s.dropConn(cn, err)
			return
		}
		switch r := resp.(type) {
		case transport.Finished:
			s.log.Debug("event finished",
				zap.String("connection", cn.name),
				zap.Uint32("seq", r.Seq),
				zap.Bool("handled", r.Handled),
				zap.Duration("consumeLatency", time.Duration(s.now().UnixNano()-r.ConsumeTime)))
		case transport.Timeline:
			s.log.Debug("event timeline",
				zap.String("connection", cn.name),
				zap.Int32("eventId", r.InputEventID))
		}
	}
}

// drainEvents pulls events off a consumer connection, publishes them on
// the bus and acknowledges them.
func (s *Service) drainEvents(ctx context.Context, cn *conn, consumeBatches bool, frameTime int64) {
	for {
		seq, event, err := cn.cons.Consume(s.options.factory, consumeBatches, frameTime)
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return
			}
			s.dropConn(cn, err)
			return
		}
		cn.events++
		s.events.Publish(ctx, cn.name, ConsumedEvent{Connection: cn.name, Seq: seq, Event: event})
		if err := cn.cons.SendFinishedSignal(seq, true); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			s.dropConn(cn, err)
			return
		}
	}
}

func (s *Service) dropConn(cn *conn, err error) {
	if errors.Is(err, transport.ErrDeadObject) {
		s.log.Info("peer closed connection", zap.String("connection", cn.name))
	} else {
		s.log.Error("connection failed", zap.String("connection", cn.name), zap.Error(err))
	}
	if derr := s.Detach(cn.name); derr != nil {
		s.log.Debug("detach after failure", zap.String("connection", cn.name), zap.Error(derr))
	}
}
