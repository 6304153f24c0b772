// Package app contains the top-level orchestration for the host and daemon
// roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/uartlink/internal/bridge"
	"github.com/1ureka/uartlink/internal/config"
	"github.com/1ureka/uartlink/internal/device"
	"github.com/1ureka/uartlink/internal/session"
	"github.com/1ureka/uartlink/internal/transport"
	"github.com/1ureka/uartlink/internal/util"
)

// Run orchestrates the full lifecycle for cfg.Role:
//  1. Build the session registry, the bridge and the link
//  2. Start the link supervisor (it keeps reopening the device)
//  3. Serve TCP sessions over the link until ctx is cancelled
//  4. Stop the link, freeing outstanding sessions on the peer
func Run(ctx context.Context, cfg config.Config) (err error) {
	reg := session.NewRegistry(64)
	br := bridge.New(reg, cfg.Role == config.RoleDaemon)
	link := transport.NewLink(cfg.DeviceName(), cfg.LinkConfig(), cfg.Opener(), br)

	link.Start(ctx)
	defer func() {
		reg.Admin(session.OpClear, 0)
		err = errors.Join(err, link.Stop())
	}()

	util.StartStatsReporter(ctx)
	go watchMessages(ctx, reg)

	switch cfg.Role {
	case config.RoleHost:
		return RunHost(ctx, link, reg, cfg.Bridge.Listen)
	case config.RoleDaemon:
		return RunDaemon(ctx, link, reg, br.Accept(), cfg.Bridge.Target)
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
}

// RunHost accepts local TCP clients on listenAddr and carries each over a
// new session. The link delivers to a single bound session, so clients are
// served one after another. Blocks until ctx is cancelled.
func RunHost(ctx context.Context, link Link, reg *session.Registry, listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogSuccess("accepting sessions on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess, err := reg.Malloc(0)
		if err != nil {
			conn.Close()
			return err
		}
		util.LogInfo("[%08x] new session from %s", sess.ID, conn.RemoteAddr())
		newSocket(ctx, sess, link, reg, conn).run()
	}
}

// RunDaemon dials targetAddr for every session the host opens and forwards
// traffic until the session ends. Blocks until ctx is cancelled.
func RunDaemon(ctx context.Context, link Link, reg *session.Registry, accept <-chan *session.Session, targetAddr string) error {
	util.LogSuccess("forwarding sessions to %s", targetAddr)

	var d net.Dialer
	for {
		select {
		case sess := <-accept:
			go func() {
				conn, err := d.DialContext(ctx, "tcp", targetAddr)
				if err != nil {
					util.LogWarning("[%08x] TCP dial failed: %v", sess.ID, err)
					link.FreeSession(sess.ID)
					reg.Free(sess.ID)
					return
				}
				util.Logf("[%08x] TCP connected to %s", sess.ID, targetAddr)
				newSocket(ctx, sess, link, reg, conn).run()
			}()

		case <-ctx.Done():
			return nil
		}
	}
}

// watchMessages logs session notifications raised by the transport side.
func watchMessages(ctx context.Context, reg *session.Registry) {
	for {
		select {
		case m := <-reg.Messages():
			switch m.Kind {
			case session.MsgResetIO:
				util.LogWarning("[%08x] peer is talking for another session", m.SessionID)
			case session.MsgStreamFailed:
				util.LogWarning("[%08x] session stream failed", m.SessionID)
			default:
				util.Logf("[%08x] %s", m.SessionID, m.Kind)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Expose serves the configured serial device over a WebSocket so a remote
// link can use it as a "websocket" device. Blocks until ctx is cancelled.
func Expose(ctx context.Context, cfg config.Config) error {
	if cfg.Device.Kind != config.DeviceSerial {
		return fmt.Errorf("expose needs a serial device, got %q", cfg.Device.Kind)
	}

	srv := device.NewSerialServer(cfg.Opener(), cfg.Expose.PIN)
	addr, err := srv.Start(cfg.Expose.Listen)
	if err != nil {
		return err
	}

	util.LogSuccess("remote links can dial ws://%s%s?pin=%s", addr, device.SerialPath, cfg.Expose.PIN)
	<-ctx.Done()
	return srv.Close()
}
