package logship

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/perchlabs/perch/pkg/types"
)

// dmesgTimeRe matches the kernel ring buffer prefix "[12345.678901]".
var dmesgTimeRe = regexp.MustCompile(`^\[\s*(\d+\.\d+)\]`)

// KernelSource ships the kernel ring buffer via dmesg. The cursor is a
// line count; kernel timestamps are seconds since boot, so entries are
// anchored to btime from /proc/stat.
type KernelSource struct {
	bin      string
	statPath string
	backfill int

	bootTime int64
}

func NewKernelSource(backfill int) *KernelSource {
	return &KernelSource{bin: "dmesg", statPath: "/proc/stat", backfill: backfill}
}

func (k *KernelSource) Name() types.LogSource { return types.LogSourceKernel }

func (k *KernelSource) Available() bool {
	_, err := os.Stat(k.statPath)
	return err == nil
}

func (k *KernelSource) Collect(ctx context.Context, cur Cursor, firstRun bool) ([]types.LogEntry, Cursor, error) {
	boot, err := k.readBootTime()
	if err != nil {
		return nil, cur, err
	}

	out, err := execOutput(ctx, k.bin)
	if err != nil {
		return nil, cur, fmt.Errorf("dmesg failed: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	total := len(lines)

	if firstRun {
		if total > k.backfill {
			lines = lines[total-k.backfill:]
		}
	} else {
		if total <= cur.LastLine {
			return nil, Cursor{LastLine: total}, nil
		}
		lines = lines[cur.LastLine:]
	}

	var entries []types.LogEntry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := dmesgTimeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kernelSec, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		entries = append(entries, types.LogEntry{
			Source:    types.LogSourceKernel,
			Timestamp: boot + int64(kernelSec),
			Severity:  heuristicSeverity(line),
			Message:   line,
		})
	}
	return entries, Cursor{LastLine: total}, nil
}

// readBootTime caches btime from /proc/stat; it only changes across a
// reboot, which restarts the agent anyway.
func (k *KernelSource) readBootTime() (int64, error) {
	if k.bootTime != 0 {
		return k.bootTime, nil
	}
	f, err := os.Open(k.statPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read boot time: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "btime" {
			v, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("bad btime %q: %w", fields[1], err)
			}
			k.bootTime = v
			return v, nil
		}
	}
	return 0, fmt.Errorf("btime not found in %s", k.statPath)
}
