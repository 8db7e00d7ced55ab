package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"venuestream/logger"
)

// resourceSample is one reading of host and process utilisation.
type resourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryPercent float64   `json:"memory_percent"`
	ProcessRSS    uint64    `json:"process_rss"`
	Goroutines    int       `json:"goroutines"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

// resourceSampler samples host resources every interval until stopped. The
// cpu reading itself spans the interval.
type resourceSampler struct {
	*recent[resourceSample]
	interval time.Duration
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newResourceSampler(limit int, interval time.Duration) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{
		recent:   newRecent[resourceSample](limit),
		interval: interval,
		log:      logger.GetLogger().WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *resourceSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		sample, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Debug("failed to sample resources")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		s.add(sample)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSample, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSample{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}
	rss, err := processRSSFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}

	out := resourceSample{
		Timestamp:     time.Now(),
		MemoryUsed:    memStats.Used,
		MemoryTotal:   memStats.Total,
		MemoryPercent: memStats.UsedPercent,
		ProcessRSS:    rss,
		Goroutines:    runtime.NumGoroutine(),
	}
	if len(cpuSamples) > 0 {
		out.CPUPercent = cpuSamples[0]
	}
	return out, nil
}
