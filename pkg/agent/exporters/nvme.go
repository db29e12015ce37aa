package exporters

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// nvmeDataUnitBytes is the size of one SMART "data unit".
const nvmeDataUnitBytes = 512_000

// NVMEExporter reads SMART health from every NVMe controller via
// nvme-cli. Requires root.
type NVMEExporter struct {
	bin string
}

func NewNVMEExporter(bin string) *NVMEExporter {
	if bin == "" {
		bin = "nvme"
	}
	return &NVMEExporter{bin: bin}
}

func (e *NVMEExporter) Name() string { return "nvme" }

type nvmeDevice struct {
	DevicePath  string `json:"DevicePath"`
	ModelNumber string `json:"ModelNumber"`
}

type nvmeList struct {
	Devices []nvmeDevice `json:"Devices"`
}

// nvmeSmartLog mirrors `nvme smart-log -o json`. Temperature is in
// Kelvin on the wire.
type nvmeSmartLog struct {
	CriticalWarning         int64 `json:"critical_warning"`
	Temperature             int64 `json:"temperature"`
	AvailableSpare          int64 `json:"available_spare"`
	AvailableSpareThreshold int64 `json:"available_spare_threshold"`
	PercentageUsed          int64 `json:"percentage_used"`
	DataUnitsRead           int64 `json:"data_units_read"`
	DataUnitsWritten        int64 `json:"data_units_written"`
	PowerCycles             int64 `json:"power_cycles"`
	PowerOnHours            int64 `json:"power_on_hours"`
	UnsafeShutdowns         int64 `json:"unsafe_shutdowns"`
	MediaErrors             int64 `json:"media_errors"`
	NumErrLogEntries        int64 `json:"num_err_log_entries"`
}

func (e *NVMEExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	out, err := execOutput(ctx, e.bin, "list", "-o", "json")
	if err != nil {
		return nil, err
	}
	var list nvmeList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var samples []types.Sample
	for _, dev := range list.Devices {
		if !strings.HasPrefix(dev.DevicePath, "/dev/nvme") {
			continue
		}
		raw, err := execOutput(ctx, e.bin, "smart-log", dev.DevicePath, "-o", "json")
		if err != nil {
			continue
		}
		var smart nvmeSmartLog
		if err := json.Unmarshal(raw, &smart); err != nil {
			continue
		}
		model := dev.ModelNumber
		if model == "" {
			model = "unknown"
		}
		labels := types.Labels{"device": dev.DevicePath, "model": strings.TrimSpace(model)}
		samples = append(samples,
			intSample("nvme_temperature_celsius", smart.Temperature-273, labels, now),
			intSample("nvme_available_spare_percent", smart.AvailableSpare, labels, now),
			intSample("nvme_available_spare_threshold_percent", smart.AvailableSpareThreshold, labels, now),
			intSample("nvme_percentage_used", smart.PercentageUsed, labels, now),
			intSample("nvme_data_units_read_total", smart.DataUnitsRead, labels, now),
			intSample("nvme_data_units_read_bytes_total", smart.DataUnitsRead*nvmeDataUnitBytes, labels, now),
			intSample("nvme_power_on_hours_total", smart.PowerOnHours, labels, now),
			intSample("nvme_unsafe_shutdowns_total", smart.UnsafeShutdowns, labels, now),
			intSample("nvme_media_errors_total", smart.MediaErrors, labels, now),
			intSample("nvme_error_log_entries_total", smart.NumErrLogEntries, labels, now),
			intSample("nvme_critical_warning", smart.CriticalWarning, labels, now),
		)
	}
	return samples, nil
}
