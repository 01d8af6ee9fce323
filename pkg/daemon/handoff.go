package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// serveHandoff accepts client processes on a unix socket and gives each
// one the client end of a fresh channel pair. The request is a single
// line: the connection name. The reply is the channel itself, transferred
// with its fd over the socket.
func (d *Daemon) serveHandoff(ctx context.Context, socketDir string) error {
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}
	path := filepath.Join(socketDir, "inputd.sock")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	d.log.Info("hand-off listener started", zap.String("path", path))

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go d.handleHandoff(conn)
	}
}

func (d *Daemon) handleHandoff(conn *net.UnixConn) {
	defer conn.Close()
	name, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		d.log.Error("hand-off request read failed", zap.Error(err))
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		d.log.Error("hand-off request with empty connection name")
		return
	}

	_, client, err := d.inputSvc.OpenPublisher(name)
	if err != nil {
		d.log.Error("hand-off open failed", zap.String("name", name), zap.Error(err))
		return
	}
	if err := client.MoveTo(conn); err != nil {
		d.log.Error("hand-off transfer failed", zap.String("name", name), zap.Error(err))
		if derr := d.inputSvc.Detach(name); derr != nil {
			d.log.Debug("detach after failed hand-off", zap.Error(derr))
		}
		return
	}
	d.log.Info("channel handed off", zap.String("name", name))
}
