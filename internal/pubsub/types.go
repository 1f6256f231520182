// Package pubsub implements the in-process publish/subscribe core: topic
// lifecycle, subscriber fan-out, the priority ingress queue, and the
// advanced retained-message/filter APIs. It is a Go rendition of the
// firmware's topic_manager.c, subscriber_manager.c, publisher.c and
// topic_manager_advanced.c, reimplemented with goroutines and mutexes in
// place of FreeRTOS tasks and semaphores.
package pubsub

import "github.com/adred-codev/embedbus/internal/errors"

// Limits mirror the firmware's compile-time ceilings
// (MAX_TOPICS, MAX_TOPIC_NAME_LENGTH, MAX_SUBSCRIBERS_PER_TOPIC,
// MAX_MSG_SIZE, MAX_QUEUE_SIZE).
const (
	MaxTopics              = 50
	MaxTopicNameLength     = 64
	MaxSubscribersPerTopic = 20
	MaxMsgSize             = 1024
	MaxQueueSize           = 100
)

// Priority is the delivery priority of a published message. CRITICAL
// messages are front-inserted ahead of any already-queued non-CRITICAL
// message; all other priorities are informational to subscribers only —
// the core does not otherwise distinguish LOW/NORMAL/HIGH in the ingress
// queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// QoS is the reliable-delivery level a message was published with. QoS 0
// has no overlay tracking; QoS 1 and QoS 2 are both driven by the same
// retry machinery (see internal/reliability — the firmware never
// distinguished a QoS-2 handshake from QoS-1 retries, and SPEC_FULL.md
// records this as a deliberate decision, not an omission).
type QoS int

const (
	QoS0 QoS = iota
	QoS1
	QoS2
)

// DeliveredMessage is the read-only view a subscriber callback receives.
// Payload is only valid for the duration of the callback; it is released
// to the allocator the instant every subscriber for this delivery has
// returned.
type DeliveredMessage struct {
	Topic          string
	Payload        []byte
	Priority       Priority
	TimestampMicro int64
	Cookie         any
}

// Callback is a subscriber's fan-out handler, matching the firmware's
// subscriber_callback_t signature. Subscribe returns a SubscriptionID
// token identifying this registration for Unsubscribe, since Go closures
// don't carry a reliable identity the way C function pointers do.
type Callback func(*DeliveredMessage)

// Stats mirrors topic_stats_t.
type Stats struct {
	MsgReceived       uint32
	MsgPublished      uint32
	MsgDropped        uint32
	SubscriberCount   uint32
	LastMsgTimestamp  int64
	QueueSpaceLeft    int
}

// TopicConfig mirrors topic_config_t from topic_manager_advanced.h.
type TopicConfig struct {
	MaxMsgSize      int
	QueueSize       int
	QoS             QoS
	RetainLast      bool
	MessageTTLMicro int64 // 0 disables TTL expiry
}

// DefaultTopicConfig matches the firmware's compile-time defaults.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		MaxMsgSize: MaxMsgSize,
		QueueSize:  MaxQueueSize,
	}
}

// Err re-exports the shared flat error taxonomy so callers only need to
// import one package for result codes.
type Err = errors.Err

const (
	OK             = errors.OK
	InvalidParam   = errors.InvalidParam
	NoMemory       = errors.NoMemory
	TopicExists    = errors.TopicExists
	TopicNotFound  = errors.TopicNotFound
	QueueFull      = errors.QueueFull
	MaxSubscribers = errors.MaxSubscribers
)
