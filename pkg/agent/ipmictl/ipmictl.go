package ipmictl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

const commandTimeout = 10 * time.Second

// Runner executes ipmitool invocations. Tests substitute the exec
// function.
type Runner struct {
	Bin  string
	exec func(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// NewRunner returns a Runner using the real ipmitool binary.
func NewRunner() *Runner {
	return &Runner{
		Bin: "ipmitool",
		exec: func(ctx context.Context, bin string, args ...string) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			return exec.CommandContext(ctx, bin, args...).Output()
		},
	}
}

// NewRunnerWith returns a Runner that invokes fn instead of the real
// binary.
func NewRunnerWith(bin string, fn func(ctx context.Context, bin string, args ...string) ([]byte, error)) *Runner {
	return &Runner{Bin: bin, exec: fn}
}

// Raw runs `ipmitool raw <args>` and returns the trimmed output.
func (r *Runner) Raw(ctx context.Context, args ...string) (string, error) {
	out, err := r.exec(ctx, r.Bin, append([]string{"raw"}, args...)...)
	if err != nil {
		return "", fmt.Errorf("ipmitool raw %s failed: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Sensors runs `ipmitool sensor` and returns the raw table.
func (r *Runner) Sensors(ctx context.Context) (string, error) {
	out, err := r.exec(ctx, r.Bin, "sensor")
	if err != nil {
		return "", fmt.Errorf("ipmitool sensor failed: %w", err)
	}
	return string(out), nil
}

// FanMode is a Supermicro BMC fan mode.
type FanMode byte

const (
	FanModeStandard  FanMode = 0x00
	FanModeFullSpeed FanMode = 0x01
	FanModeOptimal   FanMode = 0x02
	FanModeHeavyIO   FanMode = 0x04
)

var fanModeNames = map[FanMode]string{
	FanModeStandard:  "STANDARD",
	FanModeFullSpeed: "FULL",
	FanModeOptimal:   "OPTIMAL",
	FanModeHeavyIO:   "HEAVY_IO",
}

func (m FanMode) String() string {
	if name, ok := fanModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(m))
}

// ParseFanMode maps the wire spelling to a mode. FULL_SPEED is accepted
// as an alias for FULL.
func ParseFanMode(name string) (FanMode, error) {
	switch strings.ToUpper(name) {
	case "STANDARD":
		return FanModeStandard, nil
	case "FULL", "FULL_SPEED":
		return FanModeFullSpeed, nil
	case "OPTIMAL":
		return FanModeOptimal, nil
	case "HEAVY_IO":
		return FanModeHeavyIO, nil
	}
	return 0, types.Ef(types.KindBadRequest, "unknown fan mode %q", name)
}

// FanController speaks the Supermicro raw command set:
// 0x30 0x45 get/set BMC fan mode, 0x30 0x70 0x66 get/set zone speeds.
type FanController struct {
	runner *Runner
}

// NewFanController builds a controller over the given runner.
func NewFanController(r *Runner) *FanController {
	return &FanController{runner: r}
}

// GetMode reads the current BMC fan mode.
func (f *FanController) GetMode(ctx context.Context) (FanMode, error) {
	out, err := f.runner.Raw(ctx, "0x30", "0x45", "0x00")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(out), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("unexpected fan mode response %q: %w", out, err)
	}
	return FanMode(v), nil
}

// SetMode switches the BMC fan mode.
func (f *FanController) SetMode(ctx context.Context, mode FanMode) error {
	_, err := f.runner.Raw(ctx, "0x30", "0x45", "0x01", fmt.Sprintf("0x%02x", byte(mode)))
	return err
}

// GetZoneSpeed reads one zone's duty cycle percent.
func (f *FanController) GetZoneSpeed(ctx context.Context, zone int) (int, error) {
	out, err := f.runner.Raw(ctx, "0x30", "0x70", "0x66", "0x00", strconv.Itoa(zone))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(out), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("unexpected zone speed response %q: %w", out, err)
	}
	return int(v), nil
}

// SetZoneSpeed sets one zone's duty cycle percent (0-100).
func (f *FanController) SetZoneSpeed(ctx context.Context, zone, percent int) error {
	if percent < 0 || percent > 100 {
		return types.Ef(types.KindBadRequest, "fan speed %d out of range 0-100", percent)
	}
	_, err := f.runner.Raw(ctx, "0x30", "0x70", "0x66", "0x01",
		strconv.Itoa(zone), fmt.Sprintf("0x%02x", percent))
	return err
}

// Status reads the mode and both zone speeds in one shot. Zone read
// failures leave the entry absent rather than failing the whole status.
func (f *FanController) Status(ctx context.Context) (map[string]any, error) {
	mode, err := f.GetMode(ctx)
	if err != nil {
		return nil, err
	}
	status := map[string]any{"mode": mode.String()}
	for zone := 0; zone <= 1; zone++ {
		speed, err := f.GetZoneSpeed(ctx, zone)
		if err != nil {
			continue
		}
		status[fmt.Sprintf("zone_%d_speed", zone)] = speed
	}
	return status, nil
}
