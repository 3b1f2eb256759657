package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/semaphore"

	"github.com/rcourtman/vigil/internal/config"
)

// throttleController adapts pipeline concurrency to host load. Above the
// CPU threshold it parks half the semaphore permits; when load drops it
// returns them. Memory pressure above the high-water mark triggers the
// registered reclaim hook.
type throttleController struct {
	cfg     config.PipelineConfig
	sem     *semaphore.Weighted
	reclaim func()

	parked   int64
	halfSpan int64
}

func newThrottleController(cfg config.PipelineConfig, sem *semaphore.Weighted, reclaim func()) *throttleController {
	return &throttleController{
		cfg:      cfg,
		sem:      sem,
		reclaim:  reclaim,
		halfSpan: int64(cfg.MaxConcurrentTasks / 2),
	}
}

func (t *throttleController) start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if t.parked > 0 {
					t.sem.Release(t.parked)
					t.parked = 0
				}
				return
			case <-ticker.C:
				if t.cfg.EnableAdaptiveThrottling {
					t.checkCPU(ctx)
				}
				if t.cfg.MemoryHighWaterMB > 0 {
					t.checkMemory()
				}
			}
		}
	}()
}

// checkCPU parks or restores permits based on system CPU.
func (t *throttleController) checkCPU(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	usage := percents[0]
	threshold := float64(t.cfg.CPUThrottleThresholdPct)

	switch {
	case usage > threshold && t.parked == 0 && t.halfSpan > 0:
		if t.sem.TryAcquire(t.halfSpan) {
			t.parked = t.halfSpan
			log.Warn().Float64("cpuPct", usage).Int64("parked", t.parked).
				Msg("CPU above threshold, halving pipeline concurrency")
		}
	case usage < threshold*0.8 && t.parked > 0:
		t.sem.Release(t.parked)
		log.Info().Float64("cpuPct", usage).Msg("CPU recovered, restoring pipeline concurrency")
		t.parked = 0
	}
}

// checkMemory fires the reclaim hook when resident memory crosses the high
// water mark.
func (t *throttleController) checkMemory() {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return
	}
	rssMB := int(mi.RSS / (1024 * 1024))
	if rssMB > t.cfg.MemoryHighWaterMB && t.reclaim != nil {
		log.Warn().Int("rssMB", rssMB).Int("highWaterMB", t.cfg.MemoryHighWaterMB).
			Msg("Memory high water exceeded, reclaiming")
		t.reclaim()
	}
}
