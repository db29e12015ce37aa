package logship

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/perchlabs/perch/pkg/types"
)

// JournalSource ships systemd journal entries using journald's own
// opaque cursor for resumption.
type JournalSource struct {
	bin      string
	backfill int
}

func NewJournalSource(backfill int) *JournalSource {
	return &JournalSource{bin: "journalctl", backfill: backfill}
}

func (j *JournalSource) Name() types.LogSource { return types.LogSourceJournal }

func (j *JournalSource) Available() bool {
	_, err := execOutput(context.Background(), j.bin, "--version")
	return err == nil
}

// journalRecord is the subset of journalctl JSON output we consume.
// All journald export fields arrive as strings.
type journalRecord struct {
	Message    string `json:"MESSAGE"`
	Realtime   string `json:"__REALTIME_TIMESTAMP"`
	Priority   string `json:"PRIORITY"`
	Unit       string `json:"_SYSTEMD_UNIT"`
	UnitAlt    string `json:"UNIT"`
	Identifier string `json:"SYSLOG_IDENTIFIER"`
	PID        string `json:"_PID"`
	Cursor     string `json:"__CURSOR"`
}

func (j *JournalSource) Collect(ctx context.Context, cur Cursor, firstRun bool) ([]types.LogEntry, Cursor, error) {
	args := []string{"--output=json", "--no-pager"}
	if firstRun || cur.Journal == "" {
		args = append(args, fmt.Sprintf("--lines=%d", j.backfill))
	} else {
		args = append(args, "--after-cursor", cur.Journal)
	}

	out, err := execOutput(ctx, j.bin, args...)
	if err != nil {
		return nil, cur, fmt.Errorf("journalctl failed: %w", err)
	}

	var entries []types.LogEntry
	next := cur
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // binary MESSAGE payloads and other oddities
		}
		if rec.Cursor != "" {
			next.Journal = rec.Cursor
		}
		if rec.Message == "" {
			continue
		}

		usec, err := strconv.ParseInt(rec.Realtime, 10, 64)
		if err != nil {
			continue
		}

		entries = append(entries, types.LogEntry{
			Source:    types.LogSourceJournal,
			Timestamp: usec / 1_000_000,
			Severity:  journalSeverity(rec.Priority),
			Message:   journalPrefix(rec) + strings.TrimSpace(rec.Message),
			Context:   journalContext(rec),
		})
	}
	return entries, next, nil
}

// journalSeverity converts the PRIORITY field, which is already on the
// syslog 0-7 scale.
func journalSeverity(priority string) types.Severity {
	v, err := strconv.Atoi(priority)
	if err != nil || v < 0 || v > 7 {
		return types.SeverityInfo
	}
	return types.Severity(v)
}

// journalPrefix renders the `[unit] identifier[pid]: ` message prefix
// from whichever of the fields are present.
func journalPrefix(rec journalRecord) string {
	unit := rec.Unit
	if unit == "" {
		unit = rec.UnitAlt
	}

	var b strings.Builder
	if unit != "" {
		b.WriteString("[" + unit + "] ")
	}
	if rec.Identifier != "" {
		b.WriteString(rec.Identifier)
		if rec.PID != "" {
			b.WriteString("[" + rec.PID + "]")
		}
		b.WriteString(": ")
	}
	return b.String()
}

// journalContext packs unit, identifier and pid into the entry context.
func journalContext(rec journalRecord) string {
	unit := rec.Unit
	if unit == "" {
		unit = rec.UnitAlt
	}
	if unit == "" && rec.Identifier == "" && rec.PID == "" {
		return ""
	}
	ctx := map[string]string{}
	if unit != "" {
		ctx["unit"] = unit
	}
	if rec.Identifier != "" {
		ctx["identifier"] = rec.Identifier
	}
	if rec.PID != "" {
		ctx["pid"] = rec.PID
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	return string(data)
}
