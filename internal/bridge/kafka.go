package bridge

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaTransport bridges the bus to a Kafka/Redpanda-compatible broker
// via franz-go, demonstrating the core is transport-agnostic: it is
// grounded on the teacher's kafka.Consumer (ws/kafka/consumer.go), carried
// over to satisfy the same Transport capability NATSTransport does rather
// than the teacher's broadcast-callback shape.
type KafkaTransport struct {
	stateNotifier

	client       *kgo.Client
	produceTopic string
	consumeTopic string

	inbox  chan []byte
	cancel context.CancelFunc
}

// KafkaConfig configures a KafkaTransport.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ProduceTopic  string
	ConsumeTopic  string
}

// NewKafkaTransport dials the seed brokers, joins ConsumerGroup on
// ConsumeTopic, and starts the poll loop. Options mirror part of the
// teacher's franz-go client construction (seed brokers, consumer group,
// offset-at-end on first join); fetch sizing and session/rebalance
// timeouts are left at franz-go's defaults.
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	t := &KafkaTransport{
		produceTopic: cfg.ProduceTopic,
		consumeTopic: cfg.ConsumeTopic,
		inbox:        make(chan []byte, 256),
	}
	t.setState(StateConnecting)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.ConsumeTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			t.setState(StateConnected)
		}),
	)
	if err != nil {
		t.setState(StateError)
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	t.client = client
	t.setState(StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pollLoop(ctx)

	return t, nil
}

func (t *KafkaTransport) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := t.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			t.setState(StateError)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case t.inbox <- rec.Value:
			default:
			}
		})
	}
}

// Send produces b to ProduceTopic and waits for the broker ack.
func (t *KafkaTransport) Send(ctx context.Context, b []byte) error {
	results := t.client.ProduceSync(ctx, &kgo.Record{Topic: t.produceTopic, Value: b})
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Recv blocks until a polled record arrives or ctx is done.
func (t *KafkaTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the poll loop and closes the client.
func (t *KafkaTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.client != nil {
		t.client.Close()
	}
	t.setState(StateDisconnected)
	return nil
}
