// Package health periodically samples host CPU and memory usage via
// gopsutil, the same library the teacher's platform.ContainerCPU falls
// back to for non-containerized environments, and feeds the samples into
// internal/metrics and, on threshold breach, internal/errors.
package health

import (
	"context"
	"time"

	cpuutil "github.com/shirou/gopsutil/v3/cpu"
	memutil "github.com/shirou/gopsutil/v3/mem"

	"github.com/adred-codev/embedbus/internal/errors"
	"github.com/adred-codev/embedbus/internal/metrics"
)

// Sampler periodically records CPU and memory usage.
type Sampler struct {
	interval     time.Duration
	cpuThreshold float64 // percent; 0 disables the warning
	errs         *errors.Handler

	stopCh chan struct{}
	done   chan struct{}
}

// NewSampler constructs a Sampler. cpuThreshold is the percentage above
// which a WARNING event is reported through errs on every sample tick
// (no hysteresis, matching the firmware's simple threshold checks
// elsewhere in the stack).
func NewSampler(interval time.Duration, cpuThreshold float64, errs *errors.Handler) *Sampler {
	return &Sampler{
		interval:     interval,
		cpuThreshold: cpuThreshold,
		errs:         errs,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the sampling loop in its own goroutine.
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Sampler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if pcts, err := cpuutil.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		metrics.HostCPUPercent.Set(pcts[0])
		if s.cpuThreshold > 0 && pcts[0] > s.cpuThreshold && s.errs != nil {
			s.errs.Report(errors.LevelWarning, errors.SystemError, "health.Sampler.sample",
				"host CPU usage above configured threshold")
		}
	}

	if vm, err := memutil.VirtualMemoryWithContext(ctx); err == nil {
		metrics.HostMemoryBytes.Set(float64(vm.Used))
	}
}
