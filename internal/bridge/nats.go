package bridge

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSTransport bridges acknowledged publishes to a NATS subject and
// surfaces inbound messages (e.g. acks from a remote consumer) through a
// subscription on the same subject pair. Grounded on the teacher's use of
// nats.go for its alternate server variants.
type NATSTransport struct {
	stateNotifier

	conn    *nats.Conn
	subject string
	inbox   chan []byte
	sub     *nats.Subscription
}

// NATSConfig configures a NATSTransport.
type NATSConfig struct {
	URL     string
	Subject string
}

// NewNATSTransport connects to the broker and subscribes on Subject for
// inbound messages. Connection state transitions are derived from
// nats.Conn's own disconnect/reconnect/closed handlers so State() always
// reflects nats.Conn.Status().
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	t := &NATSTransport{
		subject: cfg.Subject,
		inbox:   make(chan []byte, 256),
	}
	t.setState(StateConnecting)

	conn, err := nats.Connect(cfg.URL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.setState(StateDisconnected)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.setState(StateConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.setState(StateDisconnected)
		}),
	)
	if err != nil {
		t.setState(StateError)
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	t.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, func(m *nats.Msg) {
		select {
		case t.inbox <- m.Data:
		default:
			// inbox full: drop rather than block the NATS dispatcher goroutine.
		}
	})
	if err != nil {
		conn.Close()
		t.setState(StateError)
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}
	t.sub = sub
	t.setState(StateConnected)

	return t, nil
}

// Send publishes b on the configured subject.
func (t *NATSTransport) Send(ctx context.Context, b []byte) error {
	if err := t.conn.Publish(t.subject, b); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Recv blocks until a message arrives on the subscription or ctx is done.
func (t *NATSTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the subscription and connection.
func (t *NATSTransport) Close() error {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.setState(StateDisconnected)
	return nil
}
