package exporters

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// IPMIExporter parses the table from a single `ipmitool sensor` run.
// Per-sensor labels carry the sensor name.
type IPMIExporter struct {
	bin string
}

// NewIPMIExporter uses the given ipmitool binary.
func NewIPMIExporter(bin string) *IPMIExporter {
	if bin == "" {
		bin = "ipmitool"
	}
	return &IPMIExporter{bin: bin}
}

func (e *IPMIExporter) Name() string { return "ipmi" }

func (e *IPMIExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	out, err := execOutput(ctx, e.bin, "sensor")
	if err != nil {
		return nil, err
	}
	return parseIPMISensors(string(out), time.Now().Unix()), nil
}

// parseIPMISensors converts sensor table rows to samples. Rows look like
// "CPU Temp | 52.000 | degrees C | ok | ...". NA readings are skipped;
// discrete hex readings become ipmi_discrete.
func parseIPMISensors(table string, now int64) []types.Sample {
	var samples []types.Sample
	for _, line := range strings.Split(table, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		cols := strings.Split(line, "|")
		if len(cols) < 4 {
			continue
		}
		sensor := strings.TrimSpace(cols[0])
		reading := strings.ToLower(strings.TrimSpace(cols[1]))
		units := strings.ToLower(strings.TrimSpace(cols[2]))
		labels := types.Labels{"sensor": sensor}

		if units == "discrete" {
			v, err := strconv.ParseUint(strings.TrimPrefix(reading, "0x"), 16, 64)
			if err != nil {
				continue
			}
			samples = append(samples, intSample("ipmi_discrete", int64(v), labels, now))
			continue
		}

		v, err := strconv.ParseFloat(reading, 64)
		if err != nil {
			continue // na / n/a / blank
		}

		switch units {
		case "degrees c", "celsius", "degc", "c":
			samples = append(samples, intSample("ipmi_temp_celsius", int64(v), labels, now))
		case "rpm":
			samples = append(samples, intSample("ipmi_fan_rpm", int64(v), labels, now))
		case "watts", "w":
			samples = append(samples, intSample("ipmi_power_watts", int64(v), labels, now))
		case "volts", "v":
			samples = append(samples, floatSample("ipmi_voltage_volts", v, labels, now))
		case "amps", "a":
			samples = append(samples, floatSample("ipmi_current_amps", v, labels, now))
		}
	}
	return samples
}
