package exporters

import (
	"context"
	"os/exec"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// Exporter collects one family of samples. Collect failures are isolated
// per exporter; one failing exporter never blocks the others.
type Exporter interface {
	Name() string
	Collect(ctx context.Context) ([]types.Sample, error)
}

const execTimeout = 15 * time.Second

// execOutput is the shared exec hook; tests replace it with canned data.
var execOutput = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	return exec.CommandContext(ctx, bin, args...).Output()
}

// intSample builds a whole-valued sample pinned to the int kind.
func intSample(name string, value int64, labels types.Labels, ts int64) types.Sample {
	return types.Sample{
		MetricName: name,
		Labels:     labels,
		Value:      float64(value),
		Timestamp:  ts,
		KindHint:   "int",
	}
}

// floatSample builds a real-valued sample pinned to the float kind.
func floatSample(name string, value float64, labels types.Labels, ts int64) types.Sample {
	return types.Sample{
		MetricName: name,
		Labels:     labels,
		Value:      value,
		Timestamp:  ts,
		KindHint:   "float",
	}
}
