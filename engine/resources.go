package engine

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// ResourceGuard refuses to launch an engine when the host is already
// starved. Zero thresholds disable the corresponding check.
type ResourceGuard struct {
	MinIdleCPU  float64 // percent of CPU that must be idle
	MinFreeMem  int64   // bytes
	MinFreeDisk int64   // bytes
	DiskPath    string  // mount to check, usually the output root
	Logger      *logrus.Logger
}

// Check returns an error when resources are below the configured floor.
// Probe failures only warn; a broken metric must not stall the queue.
func (g *ResourceGuard) Check() error {
	if g == nil {
		return nil
	}

	if g.MinIdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			g.warn("cpu probe failed", err)
		} else if len(p) > 0 && p[0] > 100.0-g.MinIdleCPU {
			return Transientf("not enough idle CPU: usage %.1f%%, need %.1f%% idle", p[0], g.MinIdleCPU)
		}
	}

	if g.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			g.warn("memory probe failed", err)
		} else if vm.Available < uint64(g.MinFreeMem) {
			return Transientf("not enough free memory: %d available, %d required", vm.Available, g.MinFreeMem)
		}
	}

	if g.MinFreeDisk > 0 && g.DiskPath != "" {
		d, err := disk.Usage(g.DiskPath)
		if err != nil {
			g.warn("disk probe failed", err)
		} else if d.Free < uint64(g.MinFreeDisk) {
			return Transientf("not enough free disk: %d available, %d required", d.Free, g.MinFreeDisk)
		}
	}
	return nil
}

func (g *ResourceGuard) warn(msg string, err error) {
	if g.Logger != nil {
		g.Logger.WithError(err).Warn(msg)
	}
}
