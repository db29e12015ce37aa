package agent

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perchlabs/perch/pkg/types"
)

// execOutput is the package exec hook; tests replace it.
var execOutput = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, bin, args...).Output()
}

// DetectHardware gathers the inventory reported at registration. Every
// probe is best-effort; a host without GPUs just reports none.
func DetectHardware(ctx context.Context) *types.Hardware {
	hw := &types.Hardware{}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		hw.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.RAMGB = int(vm.Total / (1 << 30))
	}

	if out, err := execOutput(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader"); err == nil {
		var names []string
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
		if len(names) > 0 {
			hw.GPUModel = names[0]
			hw.GPUCount = len(names)
		}
	}
	return hw
}
