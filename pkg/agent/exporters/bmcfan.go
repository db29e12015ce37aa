package exporters

import (
	"context"
	"strconv"
	"time"

	"github.com/perchlabs/perch/pkg/agent/ipmictl"
	"github.com/perchlabs/perch/pkg/types"
)

// BMCFanExporter reports the BMC fan mode and zone duty cycles on
// Supermicro boards. Zone read failures are skipped so a partial BMC
// still reports what it can.
type BMCFanExporter struct {
	fans *ipmictl.FanController
}

func NewBMCFanExporter(fans *ipmictl.FanController) *BMCFanExporter {
	return &BMCFanExporter{fans: fans}
}

func (e *BMCFanExporter) Name() string { return "bmc_fan" }

func (e *BMCFanExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	now := time.Now().Unix()

	mode, err := e.fans.GetMode(ctx)
	if err != nil {
		return nil, err
	}
	samples := []types.Sample{intSample("bmc_fan_mode", int64(mode), nil, now)}

	for zone := 0; zone <= 1; zone++ {
		speed, err := e.fans.GetZoneSpeed(ctx, zone)
		if err != nil {
			continue
		}
		labels := types.Labels{"zone": strconv.Itoa(zone)}
		samples = append(samples, intSample("bmc_fan_zone_speed", int64(speed), labels, now))
	}
	return samples, nil
}
