package logship

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

const execTimeout = 15 * time.Second

// execOutput is the shared exec hook; tests replace it with canned data.
var execOutput = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	return exec.CommandContext(ctx, bin, args...).Output()
}

// Source reads one log stream incrementally. firstRun asks for a
// bounded backfill instead of resuming from the cursor.
type Source interface {
	Name() types.LogSource
	Available() bool
	Collect(ctx context.Context, cur Cursor, firstRun bool) ([]types.LogEntry, Cursor, error)
}

// Shipper coordinates the enabled sources, applies the severity
// threshold and persists cursors between cycles.
type Shipper struct {
	sources  []Source
	cursors  *CursorStore
	minLevel types.Severity
	logger   zerolog.Logger

	// Cursors advanced by the last Collect, held back until the
	// entries are confirmed delivered.
	pending map[string]Cursor
}

// NewShipper builds a shipper from the log monitoring config. Sources
// not named in the config, or unavailable on this host, are dropped.
func NewShipper(authDir string, cfg config.LogShipConfig) *Shipper {
	backfill := cfg.BackfillLines
	if backfill <= 0 {
		backfill = 1000
	}

	available := map[types.LogSource]Source{
		types.LogSourceKernel:  NewKernelSource(backfill),
		types.LogSourceJournal: NewJournalSource(backfill),
		types.LogSourceSyslog:  NewSyslogSource("/var/log/syslog", backfill),
	}

	s := &Shipper{
		cursors:  NewCursorStore(authDir),
		minLevel: types.ParseSeverity(cfg.SeverityFilter),
		logger:   log.WithComponent("logship"),
	}
	for _, name := range cfg.Sources {
		src, ok := available[types.LogSource(name)]
		if !ok {
			s.logger.Warn().Str("source", name).Msg("unknown log source in config")
			continue
		}
		if !src.Available() {
			s.logger.Debug().Str("source", name).Msg("log source not available")
			continue
		}
		s.sources = append(s.sources, src)
	}
	return s
}

// Collect gathers new entries from every source. A failing source is
// logged and skipped; cursors for the others still advance. The
// advanced cursors are not persisted until CommitCursors: a push
// failure must replay the same entries next cycle.
func (s *Shipper) Collect(ctx context.Context) []types.LogEntry {
	cursors := s.cursors.Load()

	var entries []types.LogEntry
	for _, src := range s.sources {
		name := string(src.Name())
		cur, seen := cursors[name]

		collected, next, err := src.Collect(ctx, cur, !seen)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", name).Msg("log collection failed")
			continue
		}
		next.UpdatedAt = time.Now().Unix()
		cursors[name] = next

		for _, e := range collected {
			if !e.Severity.AtLeast(s.minLevel) {
				continue
			}
			entries = append(entries, e)
		}
	}

	s.pending = cursors
	return entries
}

// CommitCursors persists the cursors advanced by the last Collect. The
// agent calls it once the collected entries reached the server.
func (s *Shipper) CommitCursors() {
	if s.pending == nil {
		return
	}
	if err := s.cursors.Save(s.pending); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist log cursors")
		return
	}
	s.pending = nil
}

// heuristicSeverity classifies unstructured log lines by keyword, the
// way plain files with no priority field have to be classified.
func heuristicSeverity(line string) types.Severity {
	lower := strings.ToLower(line)
	for _, w := range []string{"error", "err", "fatal", "fail", "critical"} {
		if strings.Contains(lower, w) {
			return types.SeverityError
		}
	}
	if strings.Contains(lower, "warn") {
		return types.SeverityWarning
	}
	if strings.Contains(lower, "debug") {
		return types.SeverityDebug
	}
	return types.SeverityInfo
}
