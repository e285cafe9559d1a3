package adaptive

import (
	"context"
	"log/slog"
	"time"
)

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler feeds the controller with local CPU and memory readings for
// single-node deployments that have no external metrics collector. Error
// rate and latency stay zero; an external pipeline pushes those via the
// metrics ingestion endpoint when available.
type Sampler struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
}

func NewSampler(controller *Controller, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		controller: controller,
		interval:   interval,
		logger:     logger,
	}
}

// Start runs the sampling loop until ctx is done. Run it in its own
// goroutine; it never touches request-handling paths.
func (s *Sampler) Start(ctx context.Context) {
	// Prime the CPU delta so the first tick reports utilization since now
	// rather than since boot.
	_, _ = cpu.PercentWithContext(ctx, 0, false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := s.sample(ctx)
			if err != nil {
				s.logger.Warn("system sample failed", "err", err)
				continue
			}
			s.controller.UpdateSystemMetrics(m)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) (Metrics, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Metrics{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		Memory:    vm.UsedPercent / 100,
		Timestamp: time.Now(),
	}
	if len(pct) > 0 {
		m.CPU = pct[0] / 100
	}
	return m, nil
}
