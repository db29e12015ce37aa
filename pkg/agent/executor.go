package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perchlabs/perch/pkg/agent/ipmictl"
	"github.com/perchlabs/perch/pkg/client"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

// Executor runs delivered commands on the host and shapes the outcome
// into a CommandResult. Execution errors become failed results, never
// executor errors; the server always hears back.
type Executor struct {
	ipmi       *ipmictl.Runner
	fans       *ipmictl.FanController
	configPath string
	logger     zerolog.Logger

	// rebootCmd is swapped out in tests.
	rebootCmd func(ctx context.Context, delaySec int) error
}

// NewExecutor builds an executor over the given IPMI runner. configPath
// is where config_update persists changes.
func NewExecutor(runner *ipmictl.Runner, configPath string) *Executor {
	return &Executor{
		ipmi:       runner,
		fans:       ipmictl.NewFanController(runner),
		configPath: configPath,
		logger:     log.WithComponent("executor"),
		rebootCmd: func(ctx context.Context, delaySec int) error {
			_, err := execOutput(ctx, "shutdown", "-r", fmt.Sprintf("+%d", (delaySec+59)/60))
			return err
		},
	}
}

// Execute dispatches one command and returns its result.
func (e *Executor) Execute(ctx context.Context, cmd client.Command) *types.CommandResult {
	e.logger.Info().
		Str("command_id", cmd.CommandID).
		Str("command_type", string(cmd.Type)).
		Msg("executing command")

	var result map[string]any
	var err error
	switch cmd.Type {
	case types.CommandFanControl:
		result, err = e.fanControl(ctx, cmd.Payload)
	case types.CommandIPMIRaw:
		result, err = e.ipmiRaw(ctx, cmd.Payload)
	case types.CommandSystemInfo:
		result, err = e.systemInfo(ctx)
	case types.CommandReboot:
		result, err = e.reboot(ctx, cmd.Payload)
	case types.CommandConfigUpdate:
		result, err = e.configUpdate(cmd.Payload)
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	res := &types.CommandResult{CommandID: cmd.CommandID}
	if err != nil {
		e.logger.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("command failed")
		res.Status = string(types.CommandFailed)
		res.Error = err.Error()
		return res
	}
	res.Status = string(types.CommandCompleted)
	res.Result = result
	return res
}

// fanControlPayload covers every fan_control action. set_fan_speeds
// accepts both the zone0/zone1 and zone0_speed/zone1_speed spellings.
type fanControlPayload struct {
	Action     string `json:"action"`
	Mode       string `json:"mode,omitempty"`
	Zone       *int   `json:"zone,omitempty"`
	Speed      *int   `json:"speed,omitempty"`
	Zone0      *int   `json:"zone0,omitempty"`
	Zone1      *int   `json:"zone1,omitempty"`
	Zone0Speed *int   `json:"zone0_speed,omitempty"`
	Zone1Speed *int   `json:"zone1_speed,omitempty"`
}

func (p *fanControlPayload) zoneSpeeds() (*int, *int) {
	z0, z1 := p.Zone0, p.Zone1
	if z0 == nil {
		z0 = p.Zone0Speed
	}
	if z1 == nil {
		z1 = p.Zone1Speed
	}
	return z0, z1
}

func (e *Executor) fanControl(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
	var p fanControlPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("bad fan_control payload: %w", err)
	}

	switch p.Action {
	case "get_status":
		return e.fans.Status(ctx)

	case "set_bmc_mode":
		mode, err := ipmictl.ParseFanMode(p.Mode)
		if err != nil {
			return nil, err
		}
		if err := e.fans.SetMode(ctx, mode); err != nil {
			return nil, err
		}
		return map[string]any{"mode": mode.String()}, nil

	case "set_fan_speed":
		if p.Zone == nil || p.Speed == nil {
			return nil, fmt.Errorf("set_fan_speed needs zone and speed")
		}
		if err := e.fans.SetZoneSpeed(ctx, *p.Zone, *p.Speed); err != nil {
			return nil, err
		}
		return map[string]any{"zone": *p.Zone, "speed": *p.Speed}, nil

	case "set_fan_speeds":
		z0, z1 := p.zoneSpeeds()
		if z0 == nil || z1 == nil {
			return nil, fmt.Errorf("set_fan_speeds needs zone0 and zone1")
		}
		if err := e.fans.SetZoneSpeed(ctx, 0, *z0); err != nil {
			return nil, err
		}
		if err := e.fans.SetZoneSpeed(ctx, 1, *z1); err != nil {
			return nil, err
		}
		return map[string]any{"zone0_speed": *z0, "zone1_speed": *z1}, nil
	}
	return nil, fmt.Errorf("unknown fan_control action %q", p.Action)
}

func (e *Executor) ipmiRaw(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
	var p struct {
		RawCommand string `json:"raw_command"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("bad ipmi_raw payload: %w", err)
	}
	if strings.TrimSpace(p.RawCommand) == "" {
		return nil, fmt.Errorf("ipmi_raw needs raw_command")
	}
	out, err := e.ipmi.Raw(ctx, strings.Fields(p.RawCommand)...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out, "command": p.RawCommand}, nil
}

func (e *Executor) systemInfo(ctx context.Context) (map[string]any, error) {
	hostname, _ := os.Hostname()
	info := map[string]any{
		"hostname":  hostname,
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"cpu_count": runtime.NumCPU(),
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
		info["uptime_sec"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total_bytes"] = vm.Total
	}
	return info, nil
}

func (e *Executor) reboot(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
	p := struct {
		DelaySec int `json:"delay_sec"`
	}{DelaySec: 60}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("bad reboot payload: %w", err)
		}
	}
	if p.DelaySec < 0 {
		return nil, fmt.Errorf("reboot delay_sec must not be negative")
	}
	if err := e.rebootCmd(ctx, p.DelaySec); err != nil {
		return nil, fmt.Errorf("failed to schedule reboot: %w", err)
	}
	return map[string]any{
		"scheduled_at": time.Now().Unix(),
		"delay_sec":    p.DelaySec,
	}, nil
}

// configUpdate merges recognized settings into the on-disk config. The
// running process keeps its current settings until restart.
func (e *Executor) configUpdate(payload json.RawMessage) (map[string]any, error) {
	var p struct {
		IntervalSec *int    `json:"interval_sec,omitempty"`
		LogLevel    *string `json:"log_level,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("bad config_update payload: %w", err)
	}
	if p.IntervalSec == nil && p.LogLevel == nil {
		return nil, fmt.Errorf("config_update carried no recognized settings")
	}

	cfg, err := config.LoadAgentConfig(e.configPath)
	if err != nil {
		return nil, err
	}
	changed := map[string]any{}
	if p.IntervalSec != nil {
		if *p.IntervalSec < 5 {
			return nil, fmt.Errorf("interval_sec %d too small", *p.IntervalSec)
		}
		cfg.IntervalSec = *p.IntervalSec
		changed["interval_sec"] = *p.IntervalSec
	}
	if p.LogLevel != nil {
		cfg.LogLevel = *p.LogLevel
		changed["log_level"] = *p.LogLevel
	}
	if err := config.SaveAgentConfig(e.configPath, cfg); err != nil {
		return nil, err
	}
	changed["restart_required"] = true
	return changed, nil
}
