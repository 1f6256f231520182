package reliability

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/embedbus/internal/clock"
	"github.com/adred-codev/embedbus/internal/errors"
	"github.com/adred-codev/embedbus/internal/pubsub"
	"github.com/adred-codev/embedbus/internal/xrand"
)

func newTestOverlay(publish PublishFunc, maxRetries int, interval time.Duration) *Overlay {
	errs := errors.NewHandler(0, func() {})
	return NewOverlay(publish, clock.NewSystem(), xrand.CryptoSource{}, errs, maxRetries, interval)
}

func TestPublishWithQoS0NeverTracked(t *testing.T) {
	var calls int32
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err {
		atomic.AddInt32(&calls, 1)
		return errors.OK
	}
	o := newTestOverlay(publish, 3, 50*time.Millisecond)
	defer o.Stop()

	id, err := o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS0, nil)
	if err != errors.OK {
		t.Fatalf("publish: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected untracked id 0, got %d", id)
	}
	if o.PendingCount() != 0 {
		t.Fatal("QoS0 must not create a pending record")
	}
}

func TestAcknowledgeRetiresRecord(t *testing.T) {
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err { return errors.OK }
	o := newTestOverlay(publish, 5, time.Hour) // long interval: ack should beat the retry
	defer o.Stop()

	id, err := o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS1, nil)
	if err != errors.OK {
		t.Fatalf("publish: %v", err)
	}
	if o.PendingCount() != 1 {
		t.Fatal("expected one pending record")
	}
	if err := o.Acknowledge(id); err != errors.OK {
		t.Fatalf("acknowledge: %v", err)
	}
	if o.PendingCount() != 0 {
		t.Fatal("acknowledge must retire the record")
	}
}

func TestDoubleAcknowledgeFails(t *testing.T) {
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err { return errors.OK }
	o := newTestOverlay(publish, 5, time.Hour)
	defer o.Stop()

	id, _ := o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS1, nil)
	if err := o.Acknowledge(id); err != errors.OK {
		t.Fatalf("first ack: %v", err)
	}
	if err := o.Acknowledge(id); err != errors.InvalidParam {
		t.Fatalf("expected InvalidParam on late/double ack, got %v", err)
	}
}

func TestUnknownAckRejected(t *testing.T) {
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err { return errors.OK }
	o := newTestOverlay(publish, 5, time.Hour)
	defer o.Stop()

	if err := o.Acknowledge(9999); err != errors.InvalidParam {
		t.Fatalf("expected InvalidParam for unknown id, got %v", err)
	}
}

func TestRetryUntilAcknowledged(t *testing.T) {
	var attempts int32
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err {
		atomic.AddInt32(&attempts, 1)
		return errors.OK
	}
	o := newTestOverlay(publish, 10, 20*time.Millisecond)
	defer o.Stop()

	id, _ := o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS1, nil)
	time.Sleep(90 * time.Millisecond)
	o.Acknowledge(id)

	got := atomic.LoadInt32(&attempts)
	if got < 3 {
		t.Fatalf("expected multiple retries before ack, got %d attempts", got)
	}
}

func TestRetryCeilingExpiresRecord(t *testing.T) {
	var acked int32
	var success int32
	var wg sync.WaitGroup
	wg.Add(1)
	ack := func(id MessageID, ok bool) {
		atomic.AddInt32(&acked, 1)
		if ok {
			atomic.AddInt32(&success, 1)
		}
		wg.Done()
	}

	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err { return errors.OK }
	o := newTestOverlay(publish, 2, 10*time.Millisecond)
	defer o.Stop()

	o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS1, ack)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry-ceiling expiry callback")
	}

	if atomic.LoadInt32(&acked) != 1 || atomic.LoadInt32(&success) != 0 {
		t.Fatalf("expected exactly one failure callback, acked=%d success=%d", acked, success)
	}
	if o.PendingCount() != 0 {
		t.Fatal("expired record must be removed from pending set")
	}
}

func TestMessageIDsAreMonotonicAndSkipZero(t *testing.T) {
	publish := func(topic string, data []byte, priority pubsub.Priority) errors.Err { return errors.OK }
	o := newTestOverlay(publish, 5, time.Hour)
	defer o.Stop()

	var last MessageID
	for i := 0; i < 10; i++ {
		id, _ := o.PublishWithQoS("t", []byte("x"), pubsub.PriorityNormal, pubsub.QoS1, nil)
		if id == 0 {
			t.Fatal("message id 0 must never be issued for a tracked publish")
		}
		if id <= last {
			t.Fatalf("expected monotonically increasing ids, got %d after %d", id, last)
		}
		last = id
		o.Acknowledge(id)
	}
}
