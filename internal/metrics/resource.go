package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a point-in-time CPU and memory reading of one process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Zombie     bool      `json:"zombie,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var ErrProcessGone = errors.New("process not running")

// SampleProcess reads resource usage of pid through gopsutil.
func SampleProcess(ctx context.Context, pid int32) (ResourceSample, error) {
	if pid <= 0 {
		return ResourceSample{}, ErrProcessGone
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("%w: %v", ErrProcessGone, err)
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return ResourceSample{}, ErrProcessGone
	}
	s := ResourceSample{PID: pid, Timestamp: time.Now()}
	if st, err := proc.StatusWithContext(ctx); err == nil {
		for _, v := range st {
			if v == process.Zombie {
				s.Zombie = true
			}
		}
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory info: %w", err)
	}
	s.MemoryRSS = mem.RSS
	s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// ResourceConfig controls periodic sampling of running servers.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector periodically samples every running server and exports
// CPU, memory, thread and fd gauges labelled by server id.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	latest map[string]ResourceSample

	cpu     *prometheus.GaugeVec
	mem     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"server"})
	}
	return &ResourceCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		stopCh:   make(chan struct{}),
		latest:   make(map[string]ResourceSample),
		cpu:      gauge("cpu_percent", "CPU usage percentage of server processes."),
		mem:      gauge("memory_mb", "Resident memory in MB of server processes."),
		threads:  gauge("num_threads", "Number of threads of server processes."),
		fds:      gauge("num_fds", "Number of open file descriptors of server processes (Unix only)."),
	}
}

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpu, c.mem, c.threads, c.fds} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pids returned by getPIDs every interval until ctx is
// cancelled or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, getPIDs func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, getPIDs())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples pids once and drops series of servers no longer present.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	fresh := make(map[string]ResourceSample, len(pids))
	for id, pid := range pids {
		s, err := SampleProcess(ctx, pid)
		if err != nil {
			slog.Debug("resource sample failed", "server", id, "pid", pid, "error", err)
			continue
		}
		fresh[id] = s
		c.cpu.WithLabelValues(id).Set(s.CPUPercent)
		c.mem.WithLabelValues(id).Set(s.MemoryMB)
		c.threads.WithLabelValues(id).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.fds.WithLabelValues(id).Set(float64(s.NumFDs))
		}
	}

	c.mu.Lock()
	for id := range c.latest {
		if _, ok := fresh[id]; !ok {
			c.cpu.DeleteLabelValues(id)
			c.mem.DeleteLabelValues(id)
			c.threads.DeleteLabelValues(id)
			c.fds.DeleteLabelValues(id)
		}
	}
	c.latest = fresh
	c.mu.Unlock()
}

// Latest returns the most recent sample of server id.
func (c *ResourceCollector) Latest(id string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[id]
	return s, ok
}
