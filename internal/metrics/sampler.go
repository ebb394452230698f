package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of a managed process.
type Sample struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Exporter receives every batch of samples collected by a Sampler.
type Exporter interface {
	Export(ctx context.Context, samples []Sample) error
}

// SamplerConfig holds configuration for resource sampling.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Interval   time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	MaxHistory int           `mapstructure:"max_history" json:"max_history" yaml:"max_history"`
}

const (
	defaultSampleInterval = 5 * time.Second
	defaultMaxHistory     = 60
)

// Sampler periodically reads CPU, memory, thread and descriptor counts of
// the running programs and publishes them as gauges and to exporters.
type Sampler struct {
	cfg       SamplerConfig
	log       *slog.Logger
	exporters []Exporter

	mu      sync.Mutex
	procs   map[int32]*process.Process
	history map[string][]Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSampler applies defaults to cfg.
func NewSampler(cfg SamplerConfig, log *slog.Logger, exporters ...Exporter) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSampleInterval
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		cfg:       cfg,
		log:       log,
		exporters: exporters,
		procs:     map[int32]*process.Process{},
		history:   map[string][]Sample{},
		stopCh:    make(chan struct{}),
	}
}

// Start samples the pids returned by pids every interval until ctx is done
// or Stop is called. It is a no-op when the sampler is disabled.
func (s *Sampler) Start(ctx context.Context, pids func() map[string]int32) {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(ctx, pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one reading of every pid and returns the samples taken.
func (s *Sampler) Collect(ctx context.Context, pids map[string]int32) []Sample {
	now := time.Now()
	samples := make([]Sample, 0, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		sm, err := s.read(name, pid, now)
		if err != nil {
			s.log.Debug("failed to sample process", "name", name, "pid", pid, "error", err)
			continue
		}
		samples = append(samples, sm)
	}

	s.mu.Lock()
	live := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		live[pid] = struct{}{}
	}
	for pid := range s.procs {
		if _, ok := live[pid]; !ok {
			delete(s.procs, pid)
		}
	}
	for _, sm := range samples {
		h := append(s.history[sm.Name], sm)
		if len(h) > s.cfg.MaxHistory {
			h = h[len(h)-s.cfg.MaxHistory:]
		}
		s.history[sm.Name] = h
	}
	s.mu.Unlock()

	if regOK.Load() {
		for _, sm := range samples {
			cpuPercent.WithLabelValues(sm.Name).Set(sm.CPUPercent)
			memoryRSS.WithLabelValues(sm.Name).Set(float64(sm.MemoryRSS))
			numThreads.WithLabelValues(sm.Name).Set(float64(sm.NumThreads))
			if runtime.GOOS != "windows" {
				numFDs.WithLabelValues(sm.Name).Set(float64(sm.NumFDs))
			}
		}
	}

	if len(samples) > 0 {
		for _, e := range s.exporters {
			if err := e.Export(ctx, samples); err != nil {
				s.log.Warn("metrics export failed", "error", err)
			}
		}
	}
	return samples
}

// read keeps the gopsutil handle per pid so CPUPercent measures the interval
// since the previous sample.
func (s *Sampler) read(name string, pid int32, now time.Time) (Sample, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		var err error
		p, err = process.NewProcess(pid)
		if err != nil {
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.mu.Lock()
		s.procs[pid] = p
		s.mu.Unlock()
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	sm := Sample{Name: name, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: now}
	if cpu, err := p.Percent(0); err == nil {
		sm.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		sm.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			sm.NumFDs = n
		}
	}
	return sm, nil
}

// Latest returns the most recent sample of name.
func (s *Sampler) Latest(name string) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[name]
	if len(h) == 0 {
		return Sample{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of the retained samples of name, oldest first.
func (s *Sampler) History(name string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.history[name]...)
}
