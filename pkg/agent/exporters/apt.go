package exporters

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// APTExporter counts pending package upgrades and flags a required
// reboot on Debian-family hosts.
type APTExporter struct {
	bin            string
	rebootSentinel string
}

func NewAPTExporter() *APTExporter {
	return &APTExporter{bin: "apt", rebootSentinel: "/var/run/reboot-required"}
}

func (e *APTExporter) Name() string { return "apt" }

func (e *APTExporter) Collect(ctx context.Context) ([]types.Sample, error) {
	out, err := execOutput(ctx, e.bin, "list", "--upgradable")
	if err != nil {
		return nil, err
	}

	var pending int64
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing...") {
			continue
		}
		pending++
	}

	var rebootRequired int64
	if _, err := os.Stat(e.rebootSentinel); err == nil {
		rebootRequired = 1
	}

	now := time.Now().Unix()
	return []types.Sample{
		intSample("apt_upgrades_pending", pending, nil, now),
		intSample("apt_reboot_required", rebootRequired, nil, now),
	}, nil
}
