package loadcheck

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleWindow is how long a sample measures CPU and disk activity.
const DefaultSampleWindow = 250 * time.Millisecond

// SystemMonitor reads host load through gopsutil. CPU and disk IO are
// measured over the same short window, so every sample reflects current
// activity. Memory counts only what the kernel could not reclaim: page
// cache is available memory.
type SystemMonitor struct {
	window time.Duration

	cpuPercent    func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	ioCounters    func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error)
}

// NewSystemMonitor creates a monitor using DefaultSampleWindow.
func NewSystemMonitor() *SystemMonitor {
	return NewSystemMonitorWindow(DefaultSampleWindow)
}

// NewSystemMonitorWindow creates a monitor measuring over window.
func NewSystemMonitorWindow(window time.Duration) *SystemMonitor {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &SystemMonitor{
		window:        window,
		cpuPercent:    cpu.PercentWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		ioCounters:    disk.IOCountersWithContext,
	}
}

// Sample blocks for the sample window. Disk counters are best-effort: on
// hosts without them DiskIO stays 0.
func (m *SystemMonitor) Sample(ctx context.Context) (Snapshot, error) {
	vm, err := m.virtualMemory(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loadcheck: memory: %w", err)
	}

	before, ioErr := m.ioCounters(ctx)
	cpus, err := m.cpuPercent(ctx, m.window, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loadcheck: cpu: %w", err)
	}
	if len(cpus) == 0 {
		return Snapshot{}, fmt.Errorf("loadcheck: cpu: no reading")
	}

	snap := Snapshot{
		CPU:       clampPercent(cpus[0]),
		Memory:    clampPercent(vm.UsedPercent),
		SampledAt: time.Now(),
	}
	if ioErr == nil {
		if after, err := m.ioCounters(ctx); err == nil {
			snap.DiskIO = busiestDisk(before, after, m.window)
		}
	}
	return snap, nil
}

// busiestDisk returns the highest share of window any block device spent
// doing IO between the two readings.
func busiestDisk(before, after map[string]disk.IOCountersStat, window time.Duration) float64 {
	ms := float64(window.Milliseconds())
	if ms <= 0 {
		return 0
	}
	var busiest float64
	for name, cur := range after {
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
			continue
		}
		prev, ok := before[name]
		if !ok || cur.IoTime < prev.IoTime {
			continue
		}
		if util := float64(cur.IoTime-prev.IoTime) / ms * 100; util > busiest {
			busiest = util
		}
	}
	return clampPercent(busiest)
}
