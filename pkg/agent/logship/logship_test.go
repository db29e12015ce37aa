package logship

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/pkg/types"
)

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

func TestCursorStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewCursorStore(dir)

	assert.Empty(t, store.Load())

	cursors := map[string]Cursor{
		"kernel":  {LastLine: 420, UpdatedAt: 1700000000},
		"journal": {Journal: "s=abc;i=12f", UpdatedAt: 1700000000},
		"syslog":  {ByteOffset: 8192, Inode: 131072, UpdatedAt: 1700000000},
	}
	require.NoError(t, store.Save(cursors))

	loaded := store.Load()
	assert.Equal(t, cursors, loaded)

	// corrupt file falls back to empty, not an error
	require.NoError(t, os.WriteFile(filepath.Join(dir, cursorFileName), []byte("{nope"), 0o600))
	assert.Empty(t, store.Load())
}

func TestKernelSourceBackfillAndIncrement(t *testing.T) {
	dir := t.TempDir()
	statPath := filepath.Join(dir, "stat")
	require.NoError(t, os.WriteFile(statPath,
		[]byte("cpu  1 2 3 4\nbtime 1700000000\nprocs_running 2\n"), 0o644))

	stubExec(t, map[string]string{
		"dmesg": "[    1.234567] usb 1-1: new high-speed USB device\n" +
			"[  100.500000] EXT4-fs error (device sda1): bad block\n" +
			"[  200.000000] thermal thermal_zone0: warning temperature\n",
	})

	src := NewKernelSource(2)
	src.statPath = statPath

	entries, cur, err := src.Collect(context.Background(), Cursor{}, true)
	require.NoError(t, err)
	// backfill capped at 2 lines
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1700000100), entries[0].Timestamp)
	assert.Equal(t, types.SeverityError, entries[0].Severity)
	assert.Equal(t, types.SeverityWarning, entries[1].Severity)
	assert.Equal(t, 3, cur.LastLine)

	// nothing new
	entries, cur, err = src.Collect(context.Background(), cur, false)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// one appended line
	stubExec(t, map[string]string{
		"dmesg": "[    1.234567] usb 1-1: new high-speed USB device\n" +
			"[  100.500000] EXT4-fs error (device sda1): bad block\n" +
			"[  200.000000] thermal thermal_zone0: warning temperature\n" +
			"[  300.750000] nvme nvme0: I/O timeout\n",
	})
	entries, cur, err = src.Collect(context.Background(), cur, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1700000300), entries[0].Timestamp)
	assert.Equal(t, 4, cur.LastLine)
}

func TestJournalSourceParsing(t *testing.T) {
	lines := []string{
		`{"__CURSOR":"c1","__REALTIME_TIMESTAMP":"1700000000123456","PRIORITY":"3","MESSAGE":"disk failure imminent","_SYSTEMD_UNIT":"smartd.service","SYSLOG_IDENTIFIER":"smartd","_PID":"812"}`,
		`{"__CURSOR":"c2","__REALTIME_TIMESTAMP":"1700000060123456","PRIORITY":"6","MESSAGE":"started cleanup"}`,
		`{"__CURSOR":"c3","__REALTIME_TIMESTAMP":"not-a-number","PRIORITY":"6","MESSAGE":"skipped"}`,
	}
	stubExec(t, map[string]string{
		"journalctl --output=json --no-pager --lines=1000": strings.Join(lines, "\n") + "\n",
	})

	src := NewJournalSource(1000)
	entries, cur, err := src.Collect(context.Background(), Cursor{}, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(1700000000), entries[0].Timestamp)
	assert.Equal(t, types.SeverityError, entries[0].Severity)
	assert.Equal(t, "[smartd.service] smartd[812]: disk failure imminent", entries[0].Message)
	assert.JSONEq(t, `{"unit":"smartd.service","identifier":"smartd","pid":"812"}`, entries[0].Context)

	// no unit or identifier fields, no prefix
	assert.Equal(t, types.SeverityInfo, entries[1].Severity)
	assert.Equal(t, "started cleanup", entries[1].Message)
	assert.Empty(t, entries[1].Context)

	// cursor advances past the malformed tail line too
	assert.Equal(t, "c3", cur.Journal)

	// incremental run resumes after the cursor
	stubExec(t, map[string]string{
		"journalctl --output=json --no-pager --after-cursor c3": "",
	})
	entries, _, err = src.Collect(context.Background(), cur, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyslogSourceRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	line1 := "Sep  7 13:14:25 node01 kernel: failed to start daemon\n"
	require.NoError(t, os.WriteFile(path, []byte(line1), 0o644))

	src := NewSyslogSource(path, 1000)
	src.now = func() time.Time { return time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC) }

	entries, cur, err := src.Collect(context.Background(), Cursor{}, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kernel: failed to start daemon", entries[0].Message)
	assert.Equal(t, types.SeverityError, entries[0].Severity)
	want := time.Date(2026, 9, 7, 13, 14, 25, 0, time.UTC).Unix()
	assert.Equal(t, want, entries[0].Timestamp)
	assert.Equal(t, int64(len(line1)), cur.ByteOffset)
	assert.NotZero(t, cur.Inode)

	// append, incremental pickup
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	line2 := "Sep  7 13:20:00 node01 sshd[99]: warning: deprecated option\n"
	_, err = f.WriteString(line2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, cur, err = src.Collect(context.Background(), cur, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.SeverityWarning, entries[0].Severity)

	// rotation: new inode, read from the top
	rotated := filepath.Join(dir, "syslog.new")
	line3 := "Sep  7 13:30:00 node01 cron[17]: job error exit 1\n"
	require.NoError(t, os.WriteFile(rotated, []byte(line3), 0o644))
	require.NoError(t, os.Rename(rotated, path))

	entries, _, err = src.Collect(context.Background(), cur, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "job error")
}

type cannedSource struct {
	name    types.LogSource
	entries []types.LogEntry
	gotCur  Cursor
	first   bool
}

func (c *cannedSource) Name() types.LogSource { return c.name }
func (c *cannedSource) Available() bool       { return true }
func (c *cannedSource) Collect(_ context.Context, cur Cursor, firstRun bool) ([]types.LogEntry, Cursor, error) {
	c.gotCur = cur
	c.first = firstRun
	return c.entries, Cursor{LastLine: 7}, nil
}

func TestShipperFiltersAndPersistsCursors(t *testing.T) {
	dir := t.TempDir()
	src := &cannedSource{name: types.LogSourceKernel, entries: []types.LogEntry{
		{Source: types.LogSourceKernel, Timestamp: 1, Severity: types.SeverityError, Message: "bad"},
		{Source: types.LogSourceKernel, Timestamp: 2, Severity: types.SeverityInfo, Message: "fine"},
		{Source: types.LogSourceKernel, Timestamp: 3, Severity: types.SeverityCritical, Message: "worse"},
	}}

	s := &Shipper{
		sources:  []Source{src},
		cursors:  NewCursorStore(dir),
		minLevel: types.SeverityError,
	}

	entries := s.Collect(context.Background())
	require.Len(t, entries, 2)
	assert.Equal(t, "bad", entries[0].Message)
	assert.Equal(t, "worse", entries[1].Message)
	assert.True(t, src.first)

	// cursor committed, next cycle is incremental
	s.CommitCursors()
	s.Collect(context.Background())
	assert.False(t, src.first)
	assert.Equal(t, 7, src.gotCur.LastLine)
}

func TestShipperReplaysUncommittedCursors(t *testing.T) {
	dir := t.TempDir()
	src := &cannedSource{name: types.LogSourceKernel, entries: []types.LogEntry{
		{Source: types.LogSourceKernel, Timestamp: 1, Severity: types.SeverityError, Message: "bad"},
	}}
	s := &Shipper{
		sources:  []Source{src},
		cursors:  NewCursorStore(dir),
		minLevel: types.SeverityError,
	}

	require.Len(t, s.Collect(context.Background()), 1)

	// The push never happened, so the next cycle starts from the same
	// cursor and returns the same entry.
	entries := s.Collect(context.Background())
	require.Len(t, entries, 1)
	assert.True(t, src.first)
	assert.Zero(t, src.gotCur.LastLine)

	// After a commit the cycle resumes from the advanced cursor.
	s.CommitCursors()
	s.Collect(context.Background())
	assert.False(t, src.first)
	assert.Equal(t, 7, src.gotCur.LastLine)
}

func TestHeuristicSeverity(t *testing.T) {
	cases := map[string]types.Severity{
		"segfault error at 0x0":    types.SeverityError,
		"link is down, warning":    types.SeverityWarning,
		"debug: verbose trace":     types.SeverityDebug,
		"device enumerated fine":   types.SeverityInfo,
		fmt.Sprintf("FATAL: %d", 1): types.SeverityError,
	}
	for line, want := range cases {
		assert.Equal(t, want, heuristicSeverity(line), line)
	}
}
