package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrInsufficientDisk means the work directory cannot hold a request.
var ErrInsufficientDisk = errors.New("insufficient disk space")

// HostStats is a snapshot of the machine a node runs on.
type HostStats struct {
	LogicalCPUs   int
	MemTotal      uint64
	MemAvailable  uint64
	DiskFree      uint64
	DiskTotal     uint64
	Load1         float64
	WorkDirectory string
}

// HostProbe reads machine resources for the node's work directory.
type HostProbe struct {
	Dir string
	// MinFree is kept free on top of every request's needs.
	MinFree uint64
}

// Stats collects a HostStats. Only the disk reading is required; CPU, memory
// and load are best effort.
func (p HostProbe) Stats(ctx context.Context) (HostStats, error) {
	st := HostStats{WorkDirectory: p.Dir}

	usage, err := disk.UsageWithContext(ctx, p.Dir)
	if err != nil {
		return st, fmt.Errorf("failed to read disk usage of %s: %w", p.Dir, err)
	}
	st.DiskFree = usage.Free
	st.DiskTotal = usage.Total

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		st.LogicalCPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemTotal = vm.Total
		st.MemAvailable = vm.Available
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		st.Load1 = avg.Load1
	}
	return st, nil
}

// CheckSpace fails when the work directory cannot hold need bytes plus
// MinFree.
func (p HostProbe) CheckSpace(ctx context.Context, need uint64) error {
	usage, err := disk.UsageWithContext(ctx, p.Dir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage of %s: %w", p.Dir, err)
	}
	if usage.Free < need+p.MinFree {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrInsufficientDisk, need+p.MinFree, usage.Free, p.Dir)
	}
	return nil
}

// LogHost writes the startup host summary.
func LogHost(ctx context.Context, log hclog.Logger, p HostProbe) {
	st, err := p.Stats(ctx)
	if err != nil {
		log.Warn("Failed to probe host", "error", err)
		return
	}
	log.Info("Host resources",
		"cpus", st.LogicalCPUs,
		"mem_total_mb", st.MemTotal>>20,
		"mem_available_mb", st.MemAvailable>>20,
		"disk_free_mb", st.DiskFree>>20,
		"load1", st.Load1,
		"work_dir", st.WorkDirectory)
}
