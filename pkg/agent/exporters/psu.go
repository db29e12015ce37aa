package exporters

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// PSUExporter reads Supermicro power supply telemetry from
// `ipmicfg -pminfo`. Requires root and a PSU power module.
type PSUExporter struct {
	bin string
}

func NewPSUExporter(bin string) *PSUExporter {
	if bin == "" {
		bin = "ipmicfg"
	}
	return &PSUExporter{bin: bin}
}

func (e *PSUExporter) Name() string { return "psu" }

var psuModuleRe = regexp.MustCompile(`\[Module (\d+)\]`)

var psuStatusCodes = map[string]int64{
	"OK":       0,
	"Warning":  1,
	"Critical": 2,
	"Unknown":  3,
}

func (e *PSUExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	out, err := execOutput(ctx, e.bin, "-pminfo")
	if err != nil {
		return nil, err
	}
	return parsePMInfo(string(out), time.Now().Unix()), nil
}

// parsePMInfo walks the pminfo sections. A "[Module N]" header starts a
// PSU block; subsequent "Key | Value" rows belong to it.
func parsePMInfo(output string, now int64) []types.Sample {
	var samples []types.Sample
	module := ""
	data := map[string]string{}

	flush := func() {
		if module != "" && len(data) > 0 {
			samples = append(samples, psuSamples(module, data, now)...)
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Item") || strings.HasPrefix(line, "----") {
			continue
		}
		if m := psuModuleRe.FindStringSubmatch(line); m != nil {
			flush()
			module = "PSU" + m[1]
			data = map[string]string{}
			continue
		}
		if key, value, ok := strings.Cut(line, "|"); ok {
			data[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	flush()
	return samples
}

func psuSamples(module string, data map[string]string, now int64) []types.Sample {
	labels := types.Labels{"module": module}
	var samples []types.Sample

	emit := func(metric, key string) {
		if v := psuNumeric(data[key]); v > 0 {
			samples = append(samples, intSample(metric, v, labels, now))
		}
	}

	emit("psu_input_power_watts", "Input Power")
	emit("psu_output_power_watts", "Main Output Power")
	emit("psu_fan1_rpm", "Fan 1")
	emit("psu_fan2_rpm", "Fan 2")

	if v := psuCelsius(data["Temperature 1"]); v > 0 {
		samples = append(samples, intSample("psu_temp1_celsius", v, labels, now))
	}
	if v := psuCelsius(data["Temperature 2"]); v > 0 {
		samples = append(samples, intSample("psu_temp2_celsius", v, labels, now))
	}

	if status := strings.TrimSpace(data["Status"]); status != "" {
		code, ok := psuStatusCodes[status]
		if !ok {
			code = psuStatusCodes["Unknown"]
		}
		withStatus := types.Labels{"module": module, "status": status}
		samples = append(samples, intSample("psu_status", code, withStatus, now))
	}
	return samples
}

// psuNumeric strips units ("1320 W", "5600 RPM") down to the number.
func psuNumeric(value string) int64 {
	var b strings.Builder
	for _, c := range value {
		if c >= '0' && c <= '9' || c == '.' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// psuCelsius handles the "25C/77F" dual-unit temperature format.
func psuCelsius(value string) int64 {
	value = strings.TrimSpace(value)
	if c, _, ok := strings.Cut(value, "C/"); ok {
		if v, err := strconv.ParseInt(strings.TrimSpace(c), 10, 64); err == nil {
			return v
		}
	}
	return psuNumeric(value)
}
