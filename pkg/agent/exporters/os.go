package exporters

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/perchlabs/perch/pkg/types"
)

// OSExporter collects CPU, memory, disk, network and filesystem metrics.
type OSExporter struct {
	mountpoints []string
}

// NewOSExporter collects filesystem metrics for the given mountpoints.
func NewOSExporter(mountpoints []string) *OSExporter {
	return &OSExporter{mountpoints: mountpoints}
}

func (e *OSExporter) Name() string { return "os" }

// Collect gathers everything it can; a failing subsystem is skipped, not
// fatal.
func (e *OSExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	now := time.Now().Unix()
	var samples []types.Sample

	if avg, err := load.AvgWithContext(ctx); err == nil {
		samples = append(samples,
			floatSample("cpu_load_1m", avg.Load1, nil, now),
			floatSample("cpu_load_5m", avg.Load5, nil, now),
			floatSample("cpu_load_15m", avg.Load15, nil, now),
		)
	}

	// Percent over a zero interval diffs against the previous call, the
	// same way a /proc/stat delta would.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) == 1 {
		samples = append(samples, intSample("cpu_usage_percent", int64(pct[0]), nil, now))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		samples = append(samples,
			intSample("memory_total_bytes", int64(vm.Total), nil, now),
			intSample("memory_available_bytes", int64(vm.Available), nil, now),
			intSample("memory_used_bytes", int64(vm.Total-vm.Available), nil, now),
			intSample("memory_usage_percent", int64(vm.UsedPercent), nil, now),
		)
	}

	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for dev, io := range counters {
			if skipBlockDevice(dev) {
				continue
			}
			labels := types.Labels{"device": dev}
			samples = append(samples,
				intSample("disk_read_bytes_total", int64(io.ReadBytes), labels, now),
				intSample("disk_write_bytes_total", int64(io.WriteBytes), labels, now),
			)
		}
	}

	if counters, err := gopsnet.IOCountersWithContext(ctx, true); err == nil {
		for _, io := range counters {
			if skipInterface(io.Name) {
				continue
			}
			labels := types.Labels{"interface": io.Name}
			samples = append(samples,
				intSample("network_receive_bytes_total", int64(io.BytesRecv), labels, now),
				intSample("network_transmit_bytes_total", int64(io.BytesSent), labels, now),
			)
		}
	}

	for _, mp := range e.mountpoints {
		usage, err := disk.UsageWithContext(ctx, mp)
		if err != nil {
			continue
		}
		labels := types.Labels{"mountpoint": mp}
		samples = append(samples,
			intSample("fs_total_bytes", int64(usage.Total), labels, now),
			intSample("fs_free_bytes", int64(usage.Free), labels, now),
			intSample("fs_used_bytes", int64(usage.Used), labels, now),
		)
	}

	return samples, nil
}

// skipBlockDevice drops partitions and virtual devices so counters cover
// whole disks only.
func skipBlockDevice(dev string) bool {
	if strings.HasPrefix(dev, "loop") || strings.HasPrefix(dev, "ram") || strings.HasPrefix(dev, "dm-") {
		return true
	}
	// sda1, nvme0n1p2 style partitions
	if strings.HasPrefix(dev, "nvme") {
		return strings.Contains(dev, "p")
	}
	if strings.HasPrefix(dev, "sd") || strings.HasPrefix(dev, "vd") {
		return strings.ContainsAny(dev, "0123456789")
	}
	return false
}

func skipInterface(name string) bool {
	return name == "lo" ||
		strings.HasPrefix(name, "veth") ||
		strings.HasPrefix(name, "docker") ||
		strings.HasPrefix(name, "br-")
}
