package exporters

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// nvsmiFields is the query list passed to nvidia-smi. Field order must
// match the positional parsing in Collect.
var nvsmiFields = []string{
	"gpu_bus_id",
	"pcie.link.gen.current",
	"pcie.link.width.current",
	"fan.speed",
	"utilization.gpu",
	"utilization.memory",
	"temperature.gpu",
	"power.draw",
	"power.limit",
	"clocks.sm",
	"clocks.mem",
	"memory.total",
	"memory.reserved",
	"memory.used",
	"name",
}

// NVSMIExporter collects per-GPU metrics from a single nvidia-smi CSV
// query, one line per GPU.
type NVSMIExporter struct {
	bin string
}

func NewNVSMIExporter(bin string) *NVSMIExporter {
	if bin == "" {
		bin = "nvidia-smi"
	}
	return &NVSMIExporter{bin: bin}
}

func (e *NVSMIExporter) Name() string { return "nvsmi" }

func (e *NVSMIExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	out, err := execOutput(ctx, e.bin,
		"--query-gpu="+strings.Join(nvsmiFields, ","),
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var samples []types.Sample
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		if len(cols) != len(nvsmiFields) {
			continue
		}
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}

		labels := types.Labels{
			"model":  gpuShortModel(cols[14]),
			"bus_id": gpuShortBusID(cols[0]),
		}

		pcieGen := parseIntField(cols[1])
		pcieWidth := parseIntField(cols[2])
		fan := parseIntField(cols[3])
		utilGPU, _ := strconv.ParseFloat(cols[4], 64)
		utilMem, _ := strconv.ParseFloat(cols[5], 64)
		temp := parseIntField(cols[6])
		powerDraw := parseIntField(cols[7])
		powerLimit := parseIntField(cols[8])
		clockSM := parseIntField(cols[9])
		clockMem := parseIntField(cols[10])
		memTotal, _ := strconv.ParseFloat(cols[11], 64)
		memReserved, _ := strconv.ParseFloat(cols[12], 64)
		memUsed, _ := strconv.ParseFloat(cols[13], 64)

		var memUsagePct int64
		if memTotal > 0 {
			memUsagePct = int64((memReserved + memUsed) / memTotal * 100.0)
		}

		samples = append(samples,
			intSample("gpu_temperature", temp, labels, now),
			intSample("gpu_power_draw", powerDraw, labels, now),
			intSample("gpu_power_limit", powerLimit, labels, now),
			floatSample("gpu_utilization_gpu", utilGPU, labels, now),
			floatSample("gpu_utilization_memory", utilMem, labels, now),
			intSample("gpu_fan_speed", fan, labels, now),
			intSample("gpu_clock_sm", clockSM, labels, now),
			intSample("gpu_clock_mem", clockMem, labels, now),
			intSample("gpu_pcie_gen", pcieGen, labels, now),
			intSample("gpu_pcie_width", pcieWidth, labels, now),
			intSample("gpu_memory_usage", memUsagePct, labels, now),
		)
	}
	return samples, nil
}

// parseIntField tolerates "123", "123.00" and "[N/A]" style values.
func parseIntField(s string) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// gpuShortBusID trims "00000000:01:00.0" down to "01:00.0".
func gpuShortBusID(busID string) string {
	parts := strings.Split(busID, ":")
	if len(parts) < 2 {
		return busID
	}
	return strings.Join(parts[len(parts)-2:], ":")
}

// gpuShortModel keeps the trailing two words, "NVIDIA GeForce RTX 5090"
// becomes "RTX 5090".
func gpuShortModel(name string) string {
	words := strings.Fields(name)
	if len(words) <= 2 {
		return name
	}
	return strings.Join(words[len(words)-2:], " ")
}
