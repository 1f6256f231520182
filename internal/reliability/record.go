// Package reliability implements the QoS retry overlay on top of
// internal/pubsub: per-message delivery tracking, retry scheduling, and
// acknowledgement, mirroring the firmware's message_handler.c
// (pending_message_t, retry_timer_callback, message_publish_with_qos).
//
// The firmware starts one FreeRTOS software timer per pending message.
// Per the design note that recommends a single timer-wheel/min-heap
// instead, this package keeps all pending deadlines in one
// container/heap-ordered priority queue serviced by a single goroutine.
package reliability

import (
	"github.com/adred-codev/embedbus/internal/pubsub"
)

// MessageID is a monotonically increasing identifier for a QoS-tracked
// publish. 0 is reserved and never issued, matching the firmware's
// "message ID 0 means untracked" convention.
type MessageID uint32

// State is the pending record's lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateArmed
	StateAcked
	StateExpired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateArmed:
		return "ARMED"
	case StateAcked:
		return "ACKED"
	case StateExpired:
		return "EXPIRED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// AckFunc is invoked once a record leaves the ARMED state, either because
// it was acknowledged or because it exhausted its retry ceiling. success
// is false on retry-ceiling expiry.
type AckFunc func(id MessageID, success bool)

// pendingRecord tracks one in-flight QoS>0 publish. topic and payload are
// copies owned by the overlay (independent of the allocator block the
// underlying topic publish makes), since a record must be able to
// republish after the original queued message has already been freed.
type pendingRecord struct {
	id       MessageID
	topic    string
	payload  []byte
	priority pubsub.Priority
	qos      pubsub.QoS
	ack      AckFunc

	state        State
	retryCount   int
	deadlineMicro int64

	heapIndex int // maintained by container/heap; -1 when not queued
}

// recordHeap is a min-heap on deadlineMicro, implementing container/heap.Interface.
type recordHeap []*pendingRecord

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	return h[i].deadlineMicro < h[j].deadlineMicro
}
func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *recordHeap) Push(x any) {
	r := x.(*pendingRecord)
	r.heapIndex = len(*h)
	*h = append(*h, r)
}
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*h = old[:n-1]
	return r
}
