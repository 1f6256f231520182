package pubsub

import (
	"strings"
	"sync"

	"github.com/adred-codev/embedbus/internal/alloc"
	"github.com/adred-codev/embedbus/internal/clock"
	"github.com/adred-codev/embedbus/internal/errors"
)

// Registry is the process-wide topic table: a fixed-ceiling set of named
// topics, each owning its own worker. It is the Go rendition of
// topic_manager.c's static topic array plus pubsub_init/pubsub_create_topic,
// generalized with the advanced config path from topic_manager_advanced.c.
//
// Lock order for any call that touches both the registry and a topic is
// registry mutex first, then the topic's own internal mutex — callers
// must never acquire them in the reverse order.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*Topic

	pool *alloc.Pool
	clk  clock.Clock
	errs *errors.Handler

	filterMu sync.Mutex
	filter   string // glob-style pattern; empty means unrestricted
}

// NewRegistry wires a registry to the shared allocator, clock and error
// handler every topic it creates will use.
func NewRegistry(pool *alloc.Pool, clk clock.Clock, errs *errors.Handler) *Registry {
	return &Registry{
		topics: make(map[string]*Topic),
		pool:   pool,
		clk:    clk,
		errs:   errs,
	}
}

func validTopicName(name string) bool {
	return name != "" && len(name) <= MaxTopicNameLength
}

// CreateTopic creates a topic with default config, honoring the registry's
// active name filter if one is set.
func (r *Registry) CreateTopic(name string) errors.Err {
	return r.CreateTopicWithConfig(name, DefaultTopicConfig())
}

// CreateTopicWithConfig is topic_create_with_config: it validates the
// name, checks the MAX_TOPICS ceiling, rejects a duplicate name, and rolls
// back cleanly (no topic left half-registered) on any failure.
func (r *Registry) CreateTopicWithConfig(name string, cfg TopicConfig) errors.Err {
	if !validTopicName(name) {
		return errors.InvalidParam
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = MaxQueueSize
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = MaxMsgSize
	}
	if !r.matchesFilter(name) {
		return errors.InvalidParam
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.topics) >= MaxTopics {
		return errors.NoMemory
	}
	if _, exists := r.topics[name]; exists {
		return errors.TopicExists
	}

	t := newTopic(name, cfg, r.pool, r.clk, r.errs)
	r.topics[name] = t
	return errors.OK
}

// DeleteTopic tears a topic down: it stops accepting new subscribers and
// publishes, drains and releases any queued payloads, releases the
// retained slot, and removes the topic from the registry so the name can
// be recreated afterward.
func (r *Registry) DeleteTopic(name string) errors.Err {
	if !validTopicName(name) {
		return errors.InvalidParam
	}

	r.mu.Lock()
	t, exists := r.topics[name]
	if !exists {
		r.mu.Unlock()
		return errors.TopicNotFound
	}
	delete(r.topics, name)
	r.mu.Unlock()

	t.shutdown()
	return errors.OK
}

func (r *Registry) lookup(name string) (*Topic, errors.Err) {
	if !validTopicName(name) {
		return nil, errors.InvalidParam
	}
	r.mu.Lock()
	t, exists := r.topics[name]
	r.mu.Unlock()
	if !exists {
		return nil, errors.TopicNotFound
	}
	return t, errors.OK
}

// Subscribe resolves the topic then delegates to its subscriber list,
// matching subscriber_manager.c's INVALID_PARAM -> TOPIC_NOT_FOUND ->
// MAX_SUBSCRIBERS fail order: a nil callback is rejected before the topic
// is even looked up, exactly as the firmware checks
// topic_name == NULL || callback == NULL up front.
func (r *Registry) Subscribe(topic string, cb Callback, cookie any) (SubscriptionID, errors.Err) {
	if cb == nil {
		return 0, errors.InvalidParam
	}
	t, err := r.lookup(topic)
	if err != errors.OK {
		return 0, err
	}
	return t.subscribe(cb, cookie)
}

// Unsubscribe resolves the topic then unlinks the subscription matching
// id.
func (r *Registry) Unsubscribe(topic string, id SubscriptionID) errors.Err {
	t, err := r.lookup(topic)
	if err != errors.OK {
		return err
	}
	return t.unsubscribe(id)
}

// Publish copies the payload into allocator memory and enqueues it on the
// named topic, matching publisher.c's pubsub_publish.
func (r *Registry) Publish(topic string, data []byte, priority Priority) errors.Err {
	if len(data) > MaxMsgSize {
		return errors.InvalidParam
	}
	t, err := r.lookup(topic)
	if err != errors.OK {
		return err
	}
	return t.publish(data, priority, r.clk.NowMicro())
}

// GetStats returns a snapshot of a topic's counters.
func (r *Registry) GetStats(topic string) (Stats, errors.Err) {
	t, err := r.lookup(topic)
	if err != errors.OK {
		return Stats{}, err
	}
	return t.getStats(), errors.OK
}

// GetRetained returns the topic's retained message, if any, matching
// topic_get_retained_message.
func (r *Registry) GetRetained(topic string) (*DeliveredMessage, errors.Err) {
	t, err := r.lookup(topic)
	if err != errors.OK {
		return nil, err
	}
	msg, ok := t.getRetained()
	if !ok {
		return nil, errors.TopicNotFound
	}
	return msg, errors.OK
}

// FlushMessages drops every message currently queued on a topic without
// delivering it, matching topic_flush_messages.
func (r *Registry) FlushMessages(topic string) errors.Err {
	t, err := r.lookup(topic)
	if err != errors.OK {
		return err
	}
	t.flush()
	return errors.OK
}

// SetFilter installs a single glob-style pattern ('*' matches any run of
// characters) that gates CreateTopic; only names matching the pattern may
// be created while it is active. This is the Go rendition of
// topic_set_filter, narrowed to the one active pattern the firmware
// supports at a time.
func (r *Registry) SetFilter(pattern string) {
	r.filterMu.Lock()
	r.filter = pattern
	r.filterMu.Unlock()
}

// ClearFilter removes any active creation filter.
func (r *Registry) ClearFilter() {
	r.filterMu.Lock()
	r.filter = ""
	r.filterMu.Unlock()
}

func (r *Registry) matchesFilter(name string) bool {
	r.filterMu.Lock()
	pattern := r.filter
	r.filterMu.Unlock()
	if pattern == "" {
		return true
	}
	return globMatch(pattern, name)
}

// globMatch supports a single '*' wildcard, matching the firmware's
// topic_filter_t pattern semantics (prefix*, *suffix, prefix*suffix, or an
// exact match when no '*' is present).
func globMatch(pattern, name string) bool {
	star := strings.IndexByte(pattern, '*')
	if star == -1 {
		return pattern == name
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return len(name) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(name, prefix) &&
		strings.HasSuffix(name, suffix)
}

// TopicCount reports the number of currently registered topics.
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
