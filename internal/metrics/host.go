package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/loykin/carte/internal/ringbuffer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// MachineInfo is a point-in-time view of the host and the server process.
type MachineInfo struct {
	Hostname    string        `json:"hostname" xml:"hostname"`
	OS          string        `json:"os" xml:"os_name"`
	Platform    string        `json:"platform" xml:"os_version"`
	CPUCores    int           `json:"cpu_cores" xml:"cpu_cores"`
	LoadAvg     float64       `json:"load_avg" xml:"load_avg"`
	MemoryTotal uint64        `json:"memory_total" xml:"memory_total"`
	MemoryFree  uint64        `json:"memory_free" xml:"memory_free"`
	ProcessRSS  uint64        `json:"process_rss" xml:"memory_process"`
	CPUPercent  float64       `json:"cpu_percent" xml:"cpu_process_percent"`
	Threads     int32         `json:"threads" xml:"thread_count"`
	Goroutines  int           `json:"goroutines" xml:"goroutine_count"`
	Uptime      time.Duration `json:"uptime" xml:"-"`
	Timestamp   time.Time     `json:"timestamp" xml:"-"`
}

// HostConfig holds configuration for periodic host sampling.
type HostConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// HostCollector samples the server process and its host. Sampling on demand
// works whether or not the periodic loop is enabled.
type HostCollector struct {
	enabled  bool
	interval time.Duration
	proc     *process.Process

	mu      sync.RWMutex
	latest  MachineInfo
	history *ringbuffer.RingBuffer[MachineInfo]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	processCPUPercent prometheus.Gauge
	processRSS        prometheus.Gauge
	hostMemoryFree    prometheus.Gauge
	hostLoad          prometheus.Gauge
}

func NewHostCollector(cfg HostConfig) *HostCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory == 0 {
		maxHistory = 60
	}
	c := &HostCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		history:  ringbuffer.New[MachineInfo](maxHistory),
		stopCh:   make(chan struct{}),
		processCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carte", Subsystem: "server", Name: "cpu_percent",
			Help: "CPU usage percentage of the server process.",
		}),
		processRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carte", Subsystem: "server", Name: "memory_rss_bytes",
			Help: "Resident memory of the server process.",
		}),
		hostMemoryFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carte", Subsystem: "host", Name: "memory_available_bytes",
			Help: "Available memory on the host.",
		}),
		hostLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carte", Subsystem: "host", Name: "load1",
			Help: "One minute load average of the host.",
		}),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	} else {
		slog.Debug("host collector: no process handle", "error", err)
	}
	return c
}

// RegisterMetrics registers the host gauges with the provided registerer.
func (c *HostCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, collector := range []prometheus.Collector{c.processCPUPercent, c.processRSS, c.hostMemoryFree, c.hostLoad} {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx ends or Stop is called.
func (c *HostCollector) Start(ctx context.Context) {
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
				if _, err := c.Sample(ctx); err != nil {
					slog.Debug("host sample failed", "error", err)
				}
			}
		}
	}()
}

func (c *HostCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Sample collects a fresh MachineInfo. Individual probes that fail are left
// zero; only a failure to read host memory is returned as an error.
func (c *HostCollector) Sample(ctx context.Context) (MachineInfo, error) {
	info := MachineInfo{
		OS:         runtime.GOOS,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = n
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAvg = avg.Load1
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("read host memory: %w", err)
	}
	info.MemoryTotal = vm.Total
	info.MemoryFree = vm.Available

	if c.proc != nil {
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			info.ProcessRSS = mi.RSS
		}
		if n, err := c.proc.NumThreadsWithContext(ctx); err == nil {
			info.Threads = n
		}
		if created, err := c.proc.CreateTimeWithContext(ctx); err == nil {
			info.Uptime = time.Since(time.UnixMilli(created)).Truncate(time.Second)
		}
	}

	c.mu.Lock()
	c.latest = info
	c.history.Push(info)
	c.mu.Unlock()

	if c.enabled {
		c.processCPUPercent.Set(info.CPUPercent)
		c.processRSS.Set(float64(info.ProcessRSS))
		c.hostMemoryFree.Set(float64(info.MemoryFree))
		c.hostLoad.Set(info.LoadAvg)
	}
	return info, nil
}

// Latest returns the most recent sample, if any.
func (c *HostCollector) Latest() (MachineInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, !c.latest.Timestamp.IsZero()
}

// History returns the retained samples, oldest first.
func (c *HostCollector) History() []MachineInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.Snapshot()
}
