package bridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSFrameTransport frames a raw byte stream to/from a locally-attached
// companion device as WebSocket data frames, using the same gobwas/ws
// library the teacher's gateway uses for its client connections. The
// device's own protocol/security/framing layers are out of core scope
// (SPEC_FULL.md §9); this type only grounds the network leg those layers
// would sit on top of, treating the daemon as the WebSocket server side
// and the device as the client.
type WSFrameTransport struct {
	stateNotifier

	conn       net.Conn
	readWait   time.Duration
	writeWait  time.Duration
}

// WSFrameConfig configures a WSFrameTransport over an already-accepted
// connection (the upgrade handshake itself is the caller's
// responsibility, matching the teacher's separation of accept-loop from
// pump goroutines).
type WSFrameConfig struct {
	Conn      net.Conn
	ReadWait  time.Duration
	WriteWait time.Duration
}

// NewWSFrameTransport wraps an accepted connection. Defaults match the
// teacher's pump timeouts when left zero.
func NewWSFrameTransport(cfg WSFrameConfig) *WSFrameTransport {
	readWait := cfg.ReadWait
	if readWait == 0 {
		readWait = 60 * time.Second
	}
	writeWait := cfg.WriteWait
	if writeWait == 0 {
		writeWait = 10 * time.Second
	}
	t := &WSFrameTransport{conn: cfg.Conn, readWait: readWait, writeWait: writeWait}
	t.setState(StateConnected)
	return t
}

// Send writes b as a single text data frame.
func (t *WSFrameTransport) Send(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	if err := wsutil.WriteServerMessage(t.conn, ws.OpText, b); err != nil {
		t.setState(StateError)
		return fmt.Errorf("ws frame write: %w", err)
	}
	return nil
}

// Recv reads the next client data frame, matching the teacher's
// wsutil.ReadClientData usage in readPump.
func (t *WSFrameTransport) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(deadline)
	} else {
		t.conn.SetReadDeadline(time.Now().Add(t.readWait))
	}
	data, _, err := wsutil.ReadClientData(t.conn)
	if err != nil {
		t.setState(StateError)
		return nil, fmt.Errorf("ws frame read: %w", err)
	}
	return data, nil
}

// Close closes the underlying connection.
func (t *WSFrameTransport) Close() error {
	t.setState(StateDisconnected)
	return t.conn.Close()
}
