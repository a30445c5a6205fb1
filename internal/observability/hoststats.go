package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// RunHostStats samples host CPU/memory/disk usage into the gauges until the
// context is cancelled. The fleet runs on small boxes; the platform bans
// accounts when the box stalls, so usage is worth watching.
func RunHostStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleHostStats()
		}
	}
}

func sampleHostStats() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		HostCPUPercent.Set(pct[0])
	} else if err != nil {
		slog.Debug("cpu sample failed", "err", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		HostMemPercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage("/"); err == nil {
		HostDiskPercent.Set(du.UsedPercent)
	}
}
