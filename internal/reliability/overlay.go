package reliability

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/embedbus/internal/clock"
	"github.com/adred-codev/embedbus/internal/errors"
	"github.com/adred-codev/embedbus/internal/metrics"
	"github.com/adred-codev/embedbus/internal/pubsub"
	"github.com/adred-codev/embedbus/internal/xrand"
)

// PublishFunc performs the underlying topic publish a pending record
// retries against. It is satisfied by (*pubsub.Registry).Publish.
type PublishFunc func(topic string, data []byte, priority pubsub.Priority) errors.Err

// Overlay is the process-wide QoS retry tracker. One Overlay sits above a
// Registry; per SPEC_FULL.md's lock order, its mutex is acquired only
// after any registry/topic lock has already been released (Publish calls
// out to the registry before taking the overlay lock), never the reverse.
type Overlay struct {
	mu      sync.Mutex
	pending map[MessageID]*pendingRecord
	heap    recordHeap

	lastID uint32

	publish       PublishFunc
	clk           clock.Clock
	rng           xrand.Source
	errs          *errors.Handler
	maxRetries    int
	retryInterval time.Duration

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewOverlay constructs an Overlay. maxRetries is the firmware's
// MAX_RETRY_COUNT; retryInterval is the fixed delay between attempts.
// Every scheduled deadline is jittered by rng (±10% of retryInterval) so a
// burst of records armed at the same instant doesn't retry in lockstep —
// the firmware's single fixed-period FreeRTOS timer per record has no
// such concern since each record times out independently, but this
// overlay's one shared scheduler goroutine would otherwise wake to a
// thundering herd of simultaneous republishes.
func NewOverlay(publish PublishFunc, clk clock.Clock, rng xrand.Source, errs *errors.Handler, maxRetries int, retryInterval time.Duration) *Overlay {
	o := &Overlay{
		pending:       make(map[MessageID]*pendingRecord),
		publish:       publish,
		clk:           clk,
		rng:           rng,
		errs:          errs,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	o.wg.Add(1)
	go o.run()
	return o
}

// nextDeadline computes the next retry deadline from now, spreading
// repeated retries across a ±10% jitter window around retryInterval.
func (o *Overlay) nextDeadline(now int64) int64 {
	interval := o.retryInterval
	if o.rng != nil {
		spread := interval / 10
		if spread > 0 {
			offset := time.Duration(o.rng.Uint32()%uint32(spread.Microseconds()*2))*time.Microsecond - spread
			interval += offset
		}
	}
	if interval < 0 {
		interval = 0
	}
	return now + interval.Microseconds()
}

func (o *Overlay) allocID() MessageID {
	for {
		id := atomic.AddUint32(&o.lastID, 1)
		if id != 0 {
			return MessageID(id)
		}
		// wrapped onto the reserved 0 value; skip it, matching the
		// firmware's "ID 0 is never issued" rule.
	}
}

// PublishWithQoS performs the initial publish immediately and, for QoS 1
// and QoS 2 (treated identically — see internal/pubsub's QoS doc
// comment), arms a pending record that will be retried on
// retryInterval until acknowledged or the retry ceiling is hit. QoS 0
// messages are never tracked and the returned MessageID is always 0 for
// them.
func (o *Overlay) PublishWithQoS(topic string, data []byte, priority pubsub.Priority, qos pubsub.QoS, ack AckFunc) (MessageID, errors.Err) {
	if err := o.publish(topic, data, priority); err != errors.OK {
		return 0, err
	}
	if qos == pubsub.QoS0 {
		return 0, errors.OK
	}

	id := o.allocID()
	rec := &pendingRecord{
		id:            id,
		topic:         topic,
		payload:       append([]byte(nil), data...),
		priority:      priority,
		qos:           qos,
		ack:           ack,
		state:         StateArmed,
		deadlineMicro: o.nextDeadline(o.clk.NowMicro()),
	}

	o.mu.Lock()
	o.pending[id] = rec
	heap.Push(&o.heap, rec)
	earliest := o.heap[0] == rec
	o.mu.Unlock()

	if earliest {
		o.nudge()
	}
	return id, errors.OK
}

// Acknowledge retires a pending record on successful delivery. It fails
// with InvalidParam if the id was never issued, already acknowledged, or
// already retired by the retry ceiling — including a late ack arriving
// after expiry, matching the firmware's rejection of acks against an
// already-freed pending_message_t.
func (o *Overlay) Acknowledge(id MessageID) errors.Err {
	o.mu.Lock()
	rec, ok := o.pending[id]
	if !ok || rec.state != StateArmed {
		o.mu.Unlock()
		return errors.InvalidParam
	}
	rec.state = StateAcked
	delete(o.pending, id)
	o.mu.Unlock()

	if rec.ack != nil {
		rec.ack(id, true)
	}
	return errors.OK
}

// PendingCount reports the number of records still awaiting
// acknowledgement, useful for GetStats wiring and tests.
func (o *Overlay) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Overlay) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// run is the single scheduler goroutine driving every pending record's
// retries off one min-heap of deadlines, replacing the firmware's
// one-FreeRTOS-timer-per-record design per the implementation note in
// SPEC_FULL.md §9.
func (o *Overlay) run() {
	defer o.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		o.mu.Lock()
		var wait time.Duration
		if len(o.heap) == 0 {
			wait = time.Hour
		} else {
			deltaMicro := o.heap[0].deadlineMicro - o.clk.NowMicro()
			if deltaMicro < 0 {
				deltaMicro = 0
			}
			wait = time.Duration(deltaMicro) * time.Microsecond
		}
		o.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-o.stopCh:
			return
		case <-o.wake:
			continue
		case <-timer.C:
			o.fireDue()
		}
	}
}

// fireDue pops every record whose deadline has passed, retries it (or
// retires it on retry-ceiling breach), and reschedules survivors.
func (o *Overlay) fireDue() {
	now := o.clk.NowMicro()

	for {
		o.mu.Lock()
		if len(o.heap) == 0 || o.heap[0].deadlineMicro > now {
			o.mu.Unlock()
			return
		}
		rec := heap.Pop(&o.heap).(*pendingRecord)
		if rec.state != StateArmed {
			o.mu.Unlock()
			continue
		}

		if rec.retryCount >= o.maxRetries {
			rec.state = StateExpired
			delete(o.pending, rec.id)
			o.mu.Unlock()

			metrics.RetryExpired.Inc()
			o.errs.Report(errors.LevelWarning, errors.Timeout, "reliability.Overlay.fireDue",
				"pending message exhausted retry ceiling: "+rec.topic)
			if rec.ack != nil {
				rec.ack(rec.id, false)
			}
			continue
		}

		rec.retryCount++
		rec.deadlineMicro = o.nextDeadline(now)
		heap.Push(&o.heap, rec)
		o.mu.Unlock()

		metrics.RetryAttempts.Inc()
		if err := o.publish(rec.topic, rec.payload, rec.priority); err != errors.OK {
			o.errs.Report(errors.LevelError, errors.SystemError, "reliability.Overlay.fireDue",
				"retry re-publish failed for "+rec.topic+": "+err.Error())
		}
	}
}

// Stop halts the scheduler goroutine. Any still-armed records are left
// in place (not acknowledged, not retried further).
func (o *Overlay) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}
