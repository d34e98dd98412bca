// Package monitor samples host resource usage for the system endpoint.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Sample is one point-in-time host measurement.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Monitor periodically samples host CPU and memory usage and keeps the
// latest sample for readers.
type Monitor struct {
	log      logrus.FieldLogger
	interval time.Duration

	mu     sync.RWMutex
	latest Sample

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a monitor sampling at the given interval.
func New(log logrus.FieldLogger, interval time.Duration) *Monitor {
	return &Monitor{
		log:      log.WithField("component", "monitor"),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start takes an initial sample and launches the sampling loop.
func (m *Monitor) Start() error {
	m.sample()

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.done:
				return
			}
		}
	}()

	return nil
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() error {
	close(m.done)
	m.wg.Wait()

	return nil
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.latest
}

func (m *Monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := Sample{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.log.WithError(err).Debug("CPU sample failed")
	} else if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.WithError(err).Debug("Memory sample failed")
	} else {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = vm.Used / 1024 / 1024
		s.MemoryTotalMB = vm.Total / 1024 / 1024
	}

	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()

	m.log.WithField("cpu_percent", s.CPUPercent).
		WithField("memory_percent", s.MemoryPercent).
		Debug("Host sample taken")
}
