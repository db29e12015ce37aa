package logship

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// syslogLineRe splits "Sep  7 13:14:25 host message..." into timestamp,
// hostname and message.
var syslogLineRe = regexp.MustCompile(`^(\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// SyslogSource tails a plain syslog file. The cursor is inode plus byte
// offset; an inode change means rotation and restarts from the top of
// the new file.
type SyslogSource struct {
	path     string
	backfill int

	now func() time.Time
}

func NewSyslogSource(path string, backfill int) *SyslogSource {
	return &SyslogSource{path: path, backfill: backfill, now: time.Now}
}

func (s *SyslogSource) Name() types.LogSource { return types.LogSourceSyslog }

func (s *SyslogSource) Available() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *SyslogSource) Collect(ctx context.Context, cur Cursor, firstRun bool) ([]types.LogEntry, Cursor, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, cur, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cur, err
	}
	inode := fileInode(info)

	offset := cur.ByteOffset
	if firstRun || (cur.Inode != 0 && cur.Inode != inode) {
		offset = 0
	}
	if offset > info.Size() {
		offset = 0 // truncated in place
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, cur, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, cur, err
	}
	next := Cursor{ByteOffset: offset + int64(len(data)), Inode: inode}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if firstRun && len(lines) > s.backfill {
		lines = lines[len(lines)-s.backfill:]
	}

	var entries []types.LogEntry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := syslogLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := s.parseTimestamp(m[1])
		if err != nil {
			continue
		}
		entries = append(entries, types.LogEntry{
			Source:    types.LogSourceSyslog,
			Timestamp: ts,
			Severity:  heuristicSeverity(line),
			Message:   m[3],
		})
	}
	return entries, next, nil
}

// parseTimestamp fills in the current year, reads the stamp in local
// time and converts to UTC.
func (s *SyslogSource) parseTimestamp(stamp string) (int64, error) {
	now := s.now()
	t, err := time.ParseInLocation("2006 Jan _2 15:04:05",
		fmt.Sprintf("%d %s", now.Year(), stamp), now.Location())
	if err != nil {
		return 0, err
	}
	// A January entry read in December belongs to next year's file
	// rotation edge; a December entry read in January belongs to last
	// year. Pick the year that puts the stamp nearest to now.
	if t.After(now.AddDate(0, 1, 0)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.UTC().Unix(), nil
}

func fileInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
