// Package bus wires the allocator, topic registry, reliability overlay,
// bridge, logger, clock, and health sampler into a single process-wide
// value, per the design note that the whole subsystem is best modeled as
// one constructed-at-init value rather than scattered global state
// (SPEC_FULL.md §9).
package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/adred-codev/embedbus/internal/alloc"
	"github.com/adred-codev/embedbus/internal/bridge"
	"github.com/adred-codev/embedbus/internal/clock"
	"github.com/adred-codev/embedbus/internal/config"
	"github.com/adred-codev/embedbus/internal/errors"
	"github.com/adred-codev/embedbus/internal/health"
	"github.com/adred-codev/embedbus/internal/logging"
	"github.com/adred-codev/embedbus/internal/metrics"
	"github.com/adred-codev/embedbus/internal/pubsub"
	"github.com/adred-codev/embedbus/internal/reliability"
	"github.com/adred-codev/embedbus/internal/xrand"
	"github.com/rs/zerolog"
)

// System is the exposed surface named in SPEC_FULL.md §6: Init,
// CreateTopic, DeleteTopic, Subscribe, Unsubscribe, Publish,
// PublishWithQoS, Acknowledge, GetStats, GetRetained.
type System struct {
	cfg       *config.Config
	logger    zerolog.Logger
	core      *logging.CoreLogger
	errs      *errors.Handler
	pool      *alloc.Pool
	registry  *pubsub.Registry
	overlay   *reliability.Overlay
	transport bridge.Transport
	sampler   *health.Sampler

	ackCancel context.CancelFunc
	ackDone   chan struct{}
}

// Init constructs a fully wired System: allocator, registry, reliability
// overlay (bridging acknowledged publishes back through the registry),
// optional transport, and a health sampler. onFatal is invoked after the
// error handler's grace delay on a FATAL-level report (see
// internal/errors); the bootstrap in cmd/pubsubd wires this to a process
// exit.
func Init(cfg *config.Config, logger zerolog.Logger, transport bridge.Transport, onFatal func()) *System {
	core := logging.NewCoreLogger(logger)
	errs := errors.NewHandler(2*time.Second, onFatal)

	pool := alloc.NewPool(cfg.PoolBlocks, cfg.BlockSize)
	clk := clock.NewSystem()

	errs.RegisterCallback(func(ev errors.Event) {
		core.Log(logging.Level(ev.Level), ev.Message, map[string]any{
			"code": ev.Code.Error(),
			"site": ev.Site,
		})
	})

	registry := pubsub.NewRegistry(pool, clk, errs)

	overlay := reliability.NewOverlay(
		func(topic string, data []byte, priority pubsub.Priority) errors.Err {
			return registry.Publish(topic, data, priority)
		},
		clk, xrand.CryptoSource{}, errs, cfg.MaxRetries, cfg.RetryInterval,
	)

	sampler := health.NewSampler(cfg.HealthSampleInterval, cfg.CPULimit*100, errs)
	sampler.Start()

	s := &System{
		cfg:       cfg,
		logger:    logger,
		core:      core,
		errs:      errs,
		pool:      pool,
		registry:  registry,
		overlay:   overlay,
		transport: transport,
		sampler:   sampler,
	}
	if transport != nil {
		transport.OnStateChange(func(st bridge.ConnState) {
			connected := 0.0
			if st == bridge.StateConnected {
				connected = 1.0
			}
			metrics.BridgeConnected.Set(connected)
		})

		ctx, cancel := context.WithCancel(context.Background())
		s.ackCancel = cancel
		s.ackDone = make(chan struct{})
		go s.ackIngressLoop(ctx, transport)
	}
	return s
}

// ackIngressLoop is the ack-ingress component named in SPEC_FULL.md §2: it
// reads inbound frames off the bridge transport and retires the matching
// pending record. The wire format is a 4-byte big-endian MessageID, the
// same minimal ack frame message_handler.c's remote side echoes back —
// no topic is needed since Acknowledge is keyed on id alone.
func (s *System) ackIngressLoop(ctx context.Context, transport bridge.Transport) {
	defer close(s.ackDone)
	for {
		b, err := transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.errs.Report(errors.LevelWarning, errors.SystemError, "bus.System.ackIngressLoop",
				"transport recv failed: "+err.Error())
			continue
		}
		if len(b) != 4 {
			s.errs.Report(errors.LevelWarning, errors.InvalidParam, "bus.System.ackIngressLoop",
				fmt.Sprintf("malformed ack frame: expected 4 bytes, got %d", len(b)))
			continue
		}

		id := reliability.MessageID(binary.BigEndian.Uint32(b))
		if ackErr := s.overlay.Acknowledge(id); ackErr != errors.OK {
			s.errs.Report(errors.LevelWarning, ackErr, "bus.System.ackIngressLoop",
				"acknowledge rejected for inbound message id")
		}
	}
}

// Shutdown stops background goroutines owned by the system.
func (s *System) Shutdown() {
	s.sampler.Stop()
	s.overlay.Stop()
	if s.ackCancel != nil {
		s.ackCancel()
		<-s.ackDone
	}
}

func (s *System) CreateTopic(name string) errors.Err { return s.registry.CreateTopic(name) }

func (s *System) CreateTopicWithConfig(name string, cfg pubsub.TopicConfig) errors.Err {
	return s.registry.CreateTopicWithConfig(name, cfg)
}

func (s *System) DeleteTopic(name string) errors.Err { return s.registry.DeleteTopic(name) }

func (s *System) Subscribe(topic string, cb pubsub.Callback, cookie any) (pubsub.SubscriptionID, errors.Err) {
	return s.registry.Subscribe(topic, cb, cookie)
}

func (s *System) Unsubscribe(topic string, id pubsub.SubscriptionID) errors.Err {
	return s.registry.Unsubscribe(topic, id)
}

func (s *System) Publish(topic string, data []byte, priority pubsub.Priority) errors.Err {
	return s.registry.Publish(topic, data, priority)
}

func (s *System) PublishWithQoS(topic string, data []byte, priority pubsub.Priority, qos pubsub.QoS, ack reliability.AckFunc) (reliability.MessageID, errors.Err) {
	return s.overlay.PublishWithQoS(topic, data, priority, qos, ack)
}

func (s *System) Acknowledge(id reliability.MessageID) errors.Err {
	return s.overlay.Acknowledge(id)
}

func (s *System) GetStats(topic string) (pubsub.Stats, errors.Err) {
	return s.registry.GetStats(topic)
}

func (s *System) GetRetained(topic string) (*pubsub.DeliveredMessage, errors.Err) {
	return s.registry.GetRetained(topic)
}

// snapshotMetrics refreshes the allocator and overlay gauges; called
// periodically from cmd/pubsubd's metrics loop.
func (s *System) snapshotMetrics() {
	st := s.pool.Stats()
	metrics.AllocUsedBytes.Set(float64(st.Used))
	metrics.AllocPeakBytes.Set(float64(st.Peak))
	metrics.AllocCapacityBytes.Set(float64(st.Capacity))
	metrics.PendingRecords.Set(float64(s.overlay.PendingCount()))
	metrics.TopicsActive.Set(float64(s.registry.TopicCount()))
}

// SnapshotMetrics is the exported entry point cmd/pubsubd's ticker calls.
func (s *System) SnapshotMetrics() { s.snapshotMetrics() }
