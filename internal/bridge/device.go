package bridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
)

// DeviceTransport is the "device" bridge option: a locally-attached
// companion device dials in over a plain TCP connection and performs a
// raw (non-HTTP) WebSocket handshake via gobwas/ws.Upgrade, the same
// library the teacher's gateway uses for its HTTP-based upgrade path.
// Framing and timeouts are then delegated to a WSFrameTransport.
//
// The transport starts in StateConnecting and has no frame I/O available
// until a device completes its handshake; Send/Recv block until then.
type DeviceTransport struct {
	stateNotifier

	listener net.Listener
	ready    chan struct{}
	frame    *WSFrameTransport
}

// DeviceConfig configures a DeviceTransport's listener and per-connection
// read/write deadlines (passed through to the underlying WSFrameTransport).
type DeviceConfig struct {
	ListenAddr string
	ReadWait   time.Duration
	WriteWait  time.Duration
}

// NewDeviceTransport opens ListenAddr and starts an accept loop in the
// background for the first companion device to connect. It returns
// immediately — the device does not need to be present at startup.
func NewDeviceTransport(cfg DeviceConfig) (*DeviceTransport, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for device on %s: %w", cfg.ListenAddr, err)
	}

	t := &DeviceTransport{listener: ln, ready: make(chan struct{})}
	t.setState(StateConnecting)
	go t.acceptLoop(cfg)
	return t, nil
}

func (t *DeviceTransport) acceptLoop(cfg DeviceConfig) {
	conn, err := t.listener.Accept()
	if err != nil {
		t.setState(StateError)
		return
	}
	if _, err := ws.Upgrade(conn); err != nil {
		conn.Close()
		t.setState(StateError)
		return
	}

	t.frame = NewWSFrameTransport(WSFrameConfig{Conn: conn, ReadWait: cfg.ReadWait, WriteWait: cfg.WriteWait})
	close(t.ready)
	t.setState(StateConnected)
}

// Send blocks until the device has completed its handshake, then frames b
// as a single WebSocket data frame.
func (t *DeviceTransport) Send(ctx context.Context, b []byte) error {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.frame.Send(ctx, b)
}

// Recv blocks until the device has completed its handshake, then reads
// the next frame from it.
func (t *DeviceTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.frame.Recv(ctx)
}

// Close stops accepting new connections and tears down the active device
// frame transport, if any.
func (t *DeviceTransport) Close() error {
	t.listener.Close()
	if t.frame != nil {
		return t.frame.Close()
	}
	t.setState(StateDisconnected)
	return nil
}
