package exporters

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/pkg/types"
)

// stubExec swaps the exec hook for canned per-command output and
// restores it on cleanup. Keys are "bin arg1 arg2 ...".
func stubExec(t *testing.T, outputs map[string]string) {
	t.Helper()
	orig := execOutput
	execOutput = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		key := strings.Join(append([]string{bin}, args...), " ")
		out, ok := outputs[key]
		if !ok {
			return nil, errors.New("unexpected command: " + key)
		}
		return []byte(out), nil
	}
	t.Cleanup(func() { execOutput = orig })
}

func findSample(t *testing.T, samples []types.Sample, name string, labels types.Labels) types.Sample {
	t.Helper()
	for _, s := range samples {
		if s.MetricName != name {
			continue
		}
		match := true
		for k, v := range labels {
			if s.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return s
		}
	}
	t.Fatalf("sample %s %v not found in %d samples", name, labels, len(samples))
	return types.Sample{}
}

const ipmiSensorTable = `CPU Temp         | 52.000     | degrees C  | ok    | 0.000 | 5.000 | 10.000 | 95.000 | 100.000 | 105.000
FAN1             | 5600.000   | RPM        | ok    | 300.000 | 500.000 | 700.000 | 25300.000 | 25400.000 | 25500.000
FAN2             | na         |            | na    | na | na | na | na | na | na
12V              | 12.192     | Volts      | ok    | 10.173 | 10.299 | 10.740 | 12.945 | 13.071 | 13.260
PW Consumption   | 212.000    | Watts      | ok    | na | na | na | na | na | 1200.000
PS1 Status       | 0x1        | discrete   | 0x0100| na | na | na | na | na | na
Chassis Intru    | 0x0        | discrete   | 0x0000| na | na | na | na | na | na
`

func TestIPMISensorParsing(t *testing.T) {
	samples := parseIPMISensors(ipmiSensorTable, 1700000000)

	temp := findSample(t, samples, "ipmi_temp_celsius", types.Labels{"sensor": "CPU Temp"})
	assert.Equal(t, 52.0, temp.Value)
	assert.Equal(t, "int", temp.KindHint)

	fan := findSample(t, samples, "ipmi_fan_rpm", types.Labels{"sensor": "FAN1"})
	assert.Equal(t, 5600.0, fan.Value)

	volts := findSample(t, samples, "ipmi_voltage_volts", types.Labels{"sensor": "12V"})
	assert.Equal(t, 12.192, volts.Value)
	assert.Equal(t, "float", volts.KindHint)

	watts := findSample(t, samples, "ipmi_power_watts", types.Labels{"sensor": "PW Consumption"})
	assert.Equal(t, 212.0, watts.Value)

	ps1 := findSample(t, samples, "ipmi_discrete", types.Labels{"sensor": "PS1 Status"})
	assert.Equal(t, 1.0, ps1.Value)

	// na reading skipped entirely
	for _, s := range samples {
		assert.NotEqual(t, "FAN2", s.Labels["sensor"])
	}
	assert.Len(t, samples, 6)
}

func TestNVMECollect(t *testing.T) {
	stubExec(t, map[string]string{
		"nvme list -o json": `{"Devices":[
			{"DevicePath":"/dev/nvme0","ModelNumber":"SAMSUNG MZQL21T9HCJR"},
			{"DevicePath":"/dev/sda","ModelNumber":"not-an-nvme"}]}`,
		"nvme smart-log /dev/nvme0 -o json": `{
			"critical_warning":0,"temperature":310,
			"available_spare":100,"available_spare_threshold":10,
			"percentage_used":3,"data_units_read":1000,
			"power_on_hours":8760,"unsafe_shutdowns":4,
			"media_errors":0,"num_err_log_entries":12}`,
	})

	samples, err := NewNVMEExporter("").Collect(context.Background())
	require.NoError(t, err)

	labels := types.Labels{"device": "/dev/nvme0", "model": "SAMSUNG MZQL21T9HCJR"}
	assert.Equal(t, 37.0, findSample(t, samples, "nvme_temperature_celsius", labels).Value)
	assert.Equal(t, 100.0, findSample(t, samples, "nvme_available_spare_percent", labels).Value)
	assert.Equal(t, 1000.0, findSample(t, samples, "nvme_data_units_read_total", labels).Value)
	assert.Equal(t, 512_000_000.0, findSample(t, samples, "nvme_data_units_read_bytes_total", labels).Value)
	assert.Equal(t, 8760.0, findSample(t, samples, "nvme_power_on_hours_total", labels).Value)
	// one controller, eleven metrics
	assert.Len(t, samples, 11)
}

func TestNVSMICollect(t *testing.T) {
	stubExec(t, map[string]string{
		"nvidia-smi --query-gpu=" + strings.Join(nvsmiFields, ",") + " --format=csv,noheader,nounits": "00000000:01:00.0, 4, 16, 35, 97, 42, 61, 310.52, 450.00, 2520, 10251, 24564, 430, 22901, NVIDIA GeForce RTX 4090\n",
	})

	samples, err := NewNVSMIExporter("").Collect(context.Background())
	require.NoError(t, err)

	labels := types.Labels{"model": "RTX 4090", "bus_id": "01:00.0"}
	assert.Equal(t, 61.0, findSample(t, samples, "gpu_temperature", labels).Value)
	assert.Equal(t, 310.0, findSample(t, samples, "gpu_power_draw", labels).Value)
	assert.Equal(t, 97.0, findSample(t, samples, "gpu_utilization_gpu", labels).Value)
	assert.Equal(t, 4.0, findSample(t, samples, "gpu_pcie_gen", labels).Value)
	// (430 + 22901) / 24564 * 100 = 94.97 -> 94
	assert.Equal(t, 94.0, findSample(t, samples, "gpu_memory_usage", labels).Value)
	assert.Len(t, samples, 11)
}

const pminfoOutput = ` [SlaveAddress = 78h] [Module 1]
 Item                           |                Value
 ----                           |                -----
 Status                         |     OK
 Input Voltage                  |     228.0 V
 Input Current                  |     1.32 A
 Input Power                    |     300 W
 Main Output Voltage            |     12.2 V
 Main Output Power              |     276 W
 Temperature 1                  |     28C/82F
 Temperature 2                  |     41C/106F
 Fan 1                          |     3100 RPM
 Fan 2                          |     3400 RPM

 [SlaveAddress = 7Ah] [Module 2]
 Item                           |                Value
 ----                           |                -----
 Status                         |     Warning
 Input Power                    |     0 W
 Temperature 1                  |     25C/77F
 Fan 1                          |     0 RPM
`

func TestPSUParsing(t *testing.T) {
	samples := parsePMInfo(pminfoOutput, 1700000000)

	psu1 := types.Labels{"module": "PSU1"}
	assert.Equal(t, 300.0, findSample(t, samples, "psu_input_power_watts", psu1).Value)
	assert.Equal(t, 276.0, findSample(t, samples, "psu_output_power_watts", psu1).Value)
	assert.Equal(t, 28.0, findSample(t, samples, "psu_temp1_celsius", psu1).Value)
	assert.Equal(t, 41.0, findSample(t, samples, "psu_temp2_celsius", psu1).Value)
	assert.Equal(t, 3100.0, findSample(t, samples, "psu_fan1_rpm", psu1).Value)
	assert.Equal(t, 3400.0, findSample(t, samples, "psu_fan2_rpm", psu1).Value)

	status1 := findSample(t, samples, "psu_status", types.Labels{"module": "PSU1"})
	assert.Equal(t, 0.0, status1.Value)
	assert.Equal(t, "OK", status1.Labels["status"])

	// Module 2: zero-valued power and fan are suppressed, status kept
	status2 := findSample(t, samples, "psu_status", types.Labels{"module": "PSU2"})
	assert.Equal(t, 1.0, status2.Value)
	assert.Equal(t, 25.0, findSample(t, samples, "psu_temp1_celsius", types.Labels{"module": "PSU2"}).Value)
	for _, s := range samples {
		if s.Labels["module"] == "PSU2" {
			assert.NotEqual(t, "psu_input_power_watts", s.MetricName)
			assert.NotEqual(t, "psu_fan1_rpm", s.MetricName)
		}
	}
}

func TestAPTCollect(t *testing.T) {
	stubExec(t, map[string]string{
		"apt list --upgradable": "Listing... Done\nlibssl3/noble-updates 3.0.13 amd64 [upgradable from: 3.0.12]\nvim/noble-updates 2:9.1 amd64 [upgradable from: 2:9.0]\n",
	})

	e := NewAPTExporter()
	e.rebootSentinel = "/nonexistent/reboot-required"
	samples, err := e.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, findSample(t, samples, "apt_upgrades_pending", nil).Value)
	assert.Equal(t, 0.0, findSample(t, samples, "apt_reboot_required", nil).Value)
}

type staticExporter struct {
	name    string
	samples []types.Sample
	err     error
}

func (s staticExporter) Name() string { return s.name }
func (s staticExporter) Collect(context.Context) ([]types.Sample, error) {
	return s.samples, s.err
}

func TestManagerIsolatesFailures(t *testing.T) {
	ok := staticExporter{name: "ok", samples: []types.Sample{
		intSample("cpu_usage_percent", 40, nil, 1700000000),
	}}
	broken := staticExporter{name: "broken", err: errors.New("no such device")}

	m := NewManager(ok, broken)
	samples := m.Collect(context.Background())

	require.Len(t, samples, 1)
	assert.Equal(t, "cpu_usage_percent", samples[0].MetricName)
	assert.Equal(t, []string{"ok", "broken"}, m.Names())
}
