// Command pubsubd boots the embedded pub/sub bus as a standalone process:
// it loads configuration, wires up the optional external-broker bridge,
// starts the Prometheus metrics endpoint, and serves until a termination
// signal arrives. Grounded on the teacher's cmd/single/main.go bootstrap
// sequence (automaxprocs, config load, structured shutdown). Configuration
// comes from the environment only; there are no command-line flags.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"github.com/rs/zerolog"

	"github.com/adred-codev/embedbus/internal/bridge"
	"github.com/adred-codev/embedbus/internal/bus"
	"github.com/adred-codev/embedbus/internal/config"
	"github.com/adred-codev/embedbus/internal/logging"
	"github.com/adred-codev/embedbus/internal/metrics"
)

func main() {
	startupLog := log.New(os.Stdout, "[embedbus] ", log.LstdFlags)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	metrics.Register()

	transport, err := buildTransport(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("bridge transport unavailable, continuing without one")
	}

	onFatal := func() {
		logger.Error().Msg("fatal error reported, terminating process")
		os.Exit(1)
	}
	system := bus.Init(cfg, logger, transport, onFatal)
	defer system.Shutdown()

	stopMetricsServer := startMetricsServer(cfg.MetricsAddr, system, logger)
	defer stopMetricsServer()

	logger.Info().Msg("embedbus ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
}

// buildTransport selects and constructs the configured bridge.Transport.
// A construction failure is non-fatal: the bus runs with no external
// bridge, matching a daemon that is still useful purely in-process.
func buildTransport(cfg *config.Config) (bridge.Transport, error) {
	switch cfg.Transport {
	case "nats":
		t, err := bridge.NewNATSTransport(bridge.NATSConfig{URL: cfg.NATSURL, Subject: cfg.BridgeSubject})
		if err != nil {
			return nil, err
		}
		return bridge.NewRateLimited(t, cfg.SendRateLimit, int(cfg.SendRateLimit)), nil
	case "kafka":
		t, err := bridge.NewKafkaTransport(bridge.KafkaConfig{
			Brokers:       splitCSV(cfg.KafkaBrokers),
			ConsumerGroup: "embedbus",
			ProduceTopic:  cfg.BridgeSubject,
			ConsumeTopic:  cfg.BridgeSubject + ".ack",
		})
		if err != nil {
			return nil, err
		}
		return bridge.NewRateLimited(t, cfg.SendRateLimit, int(cfg.SendRateLimit)), nil
	case "device":
		t, err := bridge.NewDeviceTransport(bridge.DeviceConfig{ListenAddr: cfg.DeviceListenAddr})
		if err != nil {
			return nil, err
		}
		return bridge.NewRateLimited(t, cfg.SendRateLimit, int(cfg.SendRateLimit)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// startMetricsServer serves the Prometheus handler and periodically
// refreshes allocator/overlay gauges, matching the teacher's pattern of
// a dedicated metrics HTTP server alongside the main service loop.
func startMetricsServer(addr string, system *bus.System, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				system.SnapshotMetrics()
			}
		}
	}()

	return func() {
		close(stop)
		ticker.Stop()
		srv.Close()
	}
}
