// Package bridge implements the consumed Transport boundary: the narrow
// capability the core needs to hand acknowledged messages to a remote
// broker and learn about connection health, without the core importing
// any transport-specific library itself (SPEC_FULL.md §6/§9).
package bridge

import (
	"context"
	"sync"
)

// ConnState is the bridge's connection lifecycle, reported to
// OnStateChange observers (metrics, health checks).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Transport is the capability the bus consumes to bridge to an external
// broker or a locally-attached device. Concrete adapters in this package
// (nats.go, kafka.go, wsframe.go) satisfy it; the core never imports the
// underlying client libraries directly.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Recv(ctx context.Context) ([]byte, error)
	State() ConnState
	OnStateChange(func(ConnState))
}

// stateNotifier is embedded by each adapter to provide the shared
// OnStateChange/setState bookkeeping.
type stateNotifier struct {
	mu        sync.Mutex
	state     ConnState
	observers []func(ConnState)
}

func (n *stateNotifier) State() ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *stateNotifier) OnStateChange(f func(ConnState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, f)
}

func (n *stateNotifier) setState(s ConnState) {
	n.mu.Lock()
	n.state = s
	observers := append([]func(ConnState){}, n.observers...)
	n.mu.Unlock()
	for _, f := range observers {
		f(s)
	}
}
