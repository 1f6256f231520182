package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/adred-codev/embedbus/internal/alloc"
	"github.com/adred-codev/embedbus/internal/clock"
	"github.com/adred-codev/embedbus/internal/errors"
	"github.com/adred-codev/embedbus/internal/metrics"
)

// queuedMessage is the internal carrier held in a topic's ingress queue
// and, independently, in the retained slot. block is nil for a
// zero-length payload.
type queuedMessage struct {
	topic          string
	block          *alloc.Block
	length         int
	priority       Priority
	timestampMicro int64
}

// SubscriptionID identifies a single subscribe call for Unsubscribe.
//
// The firmware dedups and removes subscribers by comparing raw function
// pointers. Go closures created from the same literal can share an
// underlying code pointer (reflect.Value.Pointer's documented limitation
// on func values), so that identity test is not reliably portable here.
// Subscribe mints a fresh token per call instead, and Unsubscribe takes
// the token — the idiomatic equivalent used by nats.go and similar Go
// pub/sub clients.
type SubscriptionID uint64

var subscriptionSeq uint64

func nextSubscriptionID() SubscriptionID {
	return SubscriptionID(atomic.AddUint64(&subscriptionSeq, 1))
}

type subscriberEntry struct {
	id     SubscriptionID
	cb     Callback
	cookie any
}

// Topic owns a bounded ingress queue, a subscriber list, per-topic stats,
// an optional retained-message slot, and a dedicated worker goroutine. It
// is the Go rendition of the firmware's topic_t plus topic_task.
type Topic struct {
	name string
	cfg  TopicConfig

	pool   *alloc.Pool
	clk    clock.Clock
	errs   *errors.Handler

	queue *ingressQueue

	mu          sync.Mutex // guards subscribers, stats, retained
	subscribers []*subscriberEntry
	stats       Stats
	retained    *queuedMessage

	wg sync.WaitGroup
}

func newTopic(name string, cfg TopicConfig, pool *alloc.Pool, clk clock.Clock, errs *errors.Handler) *Topic {
	t := &Topic{
		name:  name,
		cfg:   cfg,
		pool:  pool,
		clk:   clk,
		errs:  errs,
		queue: newIngressQueue(cfg.QueueSize),
	}
	t.stats.QueueSpaceLeft = cfg.QueueSize
	t.wg.Add(1)
	go t.run()
	return t
}

// run is the topic worker: it blocks on the queue, and on each dequeued
// message acquires the subscriber-list mutex and fans the message out in
// list order, then releases the payload exactly once.
func (t *Topic) run() {
	defer t.wg.Done()
	for {
		msg, ok := t.queue.dequeue()
		if !ok {
			return
		}
		t.deliver(msg)
	}
}

func (t *Topic) deliver(msg *queuedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	defer func() {
		// The payload is released on every exit path, including a
		// panicking subscriber callback.
		if r := recover(); r != nil {
			t.pool.Free(msg.block)
			t.errs.Report(errors.LevelError, errors.SystemError, "pubsub.Topic.deliver",
				"subscriber callback panicked: "+recoverMsg(r))
			return
		}
		t.pool.Free(msg.block)
	}()

	if t.cfg.MessageTTLMicro > 0 {
		age := t.clk.NowMicro() - msg.timestampMicro
		if age > t.cfg.MessageTTLMicro {
			t.stats.MsgDropped++
			metrics.MessagesDropped.WithLabelValues(t.name, "ttl_expired").Inc()
			return
		}
	}

	for _, s := range t.subscribers {
		view := &DeliveredMessage{
			Topic:          msg.topic,
			Payload:        t.pool.Bytes(msg.block)[:msg.length],
			Priority:       msg.priority,
			TimestampMicro: msg.timestampMicro,
			Cookie:         s.cookie,
		}
		s.cb(view)
	}
	if len(t.subscribers) > 0 {
		metrics.MessagesDelivered.WithLabelValues(t.name).Inc()
	}

	t.stats.MsgReceived++
	t.stats.LastMsgTimestamp = t.clk.NowMicro()
	t.stats.QueueSpaceLeft = t.queue.spaceLeft()
}

func recoverMsg(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "panic"
}

// subscribe appends a new subscriber at the head of the list, matching
// the firmware's prepend-on-subscribe, and returns a token identifying
// this subscription for later Unsubscribe.
func (t *Topic) subscribe(cb Callback, cookie any) (SubscriptionID, errors.Err) {
	if cb == nil {
		return 0, errors.InvalidParam
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.subscribers) >= MaxSubscribersPerTopic {
		return 0, errors.MaxSubscribers
	}

	id := nextSubscriptionID()
	entry := &subscriberEntry{id: id, cb: cb, cookie: cookie}
	t.subscribers = append([]*subscriberEntry{entry}, t.subscribers...)
	t.stats.SubscriberCount = uint32(len(t.subscribers))
	metrics.SubscribersTotal.WithLabelValues(t.name).Set(float64(t.stats.SubscriberCount))

	if t.cfg.RetainLast && t.retained != nil {
		retained := t.retained
		view := &DeliveredMessage{
			Topic:          retained.topic,
			Payload:        t.pool.Bytes(retained.block)[:retained.length],
			Priority:       retained.priority,
			TimestampMicro: retained.timestampMicro,
			Cookie:         cookie,
		}
		cb(view)
	}
	return id, errors.OK
}

// unsubscribe unlinks the entry matching id, the first (only) match since
// ids are unique per subscribe call.
func (t *Topic) unsubscribe(id SubscriptionID) errors.Err {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subscribers {
		if s.id == id {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			t.stats.SubscriberCount = uint32(len(t.subscribers))
			metrics.SubscribersTotal.WithLabelValues(t.name).Set(float64(t.stats.SubscriberCount))
			return errors.OK
		}
	}
	return errors.InvalidParam
}

// publish copies data into allocator-owned memory, enqueues it (front for
// CRITICAL, tail otherwise), and updates the retained slot on success.
func (t *Topic) publish(data []byte, priority Priority, nowMicro int64) errors.Err {
	var block *alloc.Block
	if len(data) > 0 {
		var ok bool
		block, ok = t.pool.Alloc(len(data))
		if !ok {
			return errors.NoMemory
		}
		copy(t.pool.Bytes(block), data)
	}

	msg := &queuedMessage{
		topic:          t.name,
		block:          block,
		length:         len(data),
		priority:       priority,
		timestampMicro: nowMicro,
	}

	if !t.queue.enqueue(msg, priority == PriorityCritical) {
		t.pool.Free(block)
		t.mu.Lock()
		t.stats.MsgDropped++
		t.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(t.name, "queue_full").Inc()
		return errors.QueueFull
	}

	metrics.MessagesPublished.WithLabelValues(t.name).Inc()
	t.mu.Lock()
	t.stats.MsgPublished++
	t.stats.QueueSpaceLeft = t.queue.spaceLeft()
	if t.cfg.RetainLast {
		if t.retained != nil {
			t.pool.Free(t.retained.block)
		}
		var retainedBlock *alloc.Block
		if len(data) > 0 {
			retainedBlock, _ = t.pool.Alloc(len(data))
			if retainedBlock != nil {
				copy(t.pool.Bytes(retainedBlock), data)
			}
		}
		t.retained = &queuedMessage{
			topic: t.name, block: retainedBlock, length: len(data),
			priority: priority, timestampMicro: nowMicro,
		}
	}
	t.mu.Unlock()

	return errors.OK
}

func (t *Topic) getStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.QueueSpaceLeft = t.queue.spaceLeft()
	return s
}

func (t *Topic) getRetained() (*DeliveredMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retained == nil {
		return nil, false
	}
	return &DeliveredMessage{
		Topic:          t.retained.topic,
		Payload:        append([]byte(nil), t.pool.Bytes(t.retained.block)[:t.retained.length]...),
		Priority:       t.retained.priority,
		TimestampMicro: t.retained.timestampMicro,
	}, true
}

func (t *Topic) flush() {
	t.queue.drain(func(m *queuedMessage) {
		t.pool.Free(m.block)
	})
	t.mu.Lock()
	t.stats.QueueSpaceLeft = t.queue.spaceLeft()
	t.mu.Unlock()
}

// shutdown stops further enqueues, drains queued messages releasing
// payloads, tears down subscribers without invoking them, releases the
// retained slot, and stops the worker.
func (t *Topic) shutdown() {
	t.flush()
	t.queue.close()
	t.wg.Wait()

	t.mu.Lock()
	t.subscribers = nil
	t.stats.SubscriberCount = 0
	if t.retained != nil {
		t.pool.Free(t.retained.block)
		t.retained = nil
	}
	t.mu.Unlock()
}
