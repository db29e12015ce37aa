package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/command"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/metrics"
	"github.com/perchlabs/perch/pkg/storage"
)

const retentionLease = "retention-sweep"

// commandGrace keeps terminal commands queryable before they are pruned.
const commandGrace = 7 * 24 * time.Hour

// Config sizes the sweep.
type Config struct {
	Interval         time.Duration
	MetricsRetention time.Duration
	LogsRetention    time.Duration
	CommandTTL       time.Duration
}

// Sweeper runs all periodic maintenance on one ticker: metric and log
// retention, empty-series cleanup, command TTL expiry and terminal
// command pruning.
type Sweeper struct {
	store    storage.Store
	commands *command.Manager
	cfg      Config
	holder   string
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Sweeper. The holder ID distinguishes this process in the
// lease table.
func New(store storage.Store, commands *command.Manager, cfg Config) *Sweeper {
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = command.DefaultTTL
	}
	return &Sweeper{
		store:    store,
		commands: commands,
		cfg:      cfg,
		holder:   uuid.NewString(),
		logger:   log.WithComponent("sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs one interval after
// start, not immediately, so boot stays fast.
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sweep runs one maintenance pass. Errors are logged and retried next
// tick; they never crash the process.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	ok, err := s.store.AcquireLease(ctx, retentionLease, s.holder, s.cfg.Interval)
	if err != nil {
		s.logger.Error().Err(err).Msg("lease acquisition failed")
		return
	}
	if !ok {
		s.logger.Debug().Msg("sweep already running elsewhere, skipping")
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, retentionLease, s.holder); err != nil {
			s.logger.Warn().Err(err).Msg("lease release failed")
		}
	}()

	started := time.Now()
	now := started.Unix()

	type step struct {
		table string
		run   func() (int64, error)
	}
	steps := []step{
		{"metric_points", func() (int64, error) {
			return s.store.DeletePointsBefore(ctx, now-int64(s.cfg.MetricsRetention.Seconds()))
		}},
		{"log_entries", func() (int64, error) {
			return s.store.DeleteLogsBefore(ctx, now-int64(s.cfg.LogsRetention.Seconds()))
		}},
		{"metric_series", func() (int64, error) {
			return s.store.DeleteEmptySeries(ctx)
		}},
		{"commands", func() (int64, error) {
			return s.store.DeleteTerminalCommandsBefore(ctx, now-int64(commandGrace.Seconds()))
		}},
	}
	for _, st := range steps {
		n, err := st.run()
		if err != nil {
			s.logger.Error().Err(err).Str("table", st.table).Msg("retention step failed")
			continue
		}
		if n > 0 {
			metrics.RetentionDeletedRows.WithLabelValues(st.table).Add(float64(n))
			s.logger.Info().Str("table", st.table).Int64("rows", n).Msg("retention pruned")
		}
	}

	if n, err := s.commands.ExpireStale(ctx, s.cfg.CommandTTL); err != nil {
		s.logger.Error().Err(err).Msg("command TTL sweep failed")
	} else if n > 0 {
		s.logger.Warn().Int64("commands", n).Msg("stale commands expired without results")
	}

	metrics.RetentionSweepDuration.Observe(time.Since(started).Seconds())
}
