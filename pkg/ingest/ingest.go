package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/metrics"
	"github.com/perchlabs/perch/pkg/storage"
	"github.com/perchlabs/perch/pkg/types"
)

// MaxFutureSkew bounds how far ahead of server time a sample timestamp
// may sit before it is rejected.
const MaxFutureSkew = 300 * time.Second

// backpressureLatency is the sustained point-insert latency above which
// new batches are turned away with a retry hint.
const backpressureLatency = 2 * time.Second

// Pipeline accepts metric batches, reconciles them against the series
// catalog and appends points.
type Pipeline struct {
	store  storage.Store
	logger zerolog.Logger

	// Advisory cache of (agent, metric, labels_hash) -> series. A miss
	// falls through to the datastore; entries go stale when a retention
	// sweep deletes empty series, so constraint failures on insert evict
	// and re-resolve.
	mu    sync.RWMutex
	cache map[string]*types.Series

	// EWMA of point-insert latency, the backpressure signal.
	latMu         sync.Mutex
	insertLatency time.Duration

	now func() time.Time
}

// New builds a Pipeline over the given store.
func New(store storage.Store) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: log.WithComponent("ingest"),
		cache:  make(map[string]*types.Series),
		now:    time.Now,
	}
}

func cacheKey(agentID, metricName, labelsHash string) string {
	return agentID + "\x00" + metricName + "\x00" + labelsHash
}

// rejectionClass buckets free-form rejection reasons into stable metric
// label values.
func rejectionClass(reason string) string {
	switch {
	case strings.Contains(reason, "kind"):
		return "kind_mismatch"
	case strings.Contains(reason, "timestamp"):
		return "bad_timestamp"
	case strings.Contains(reason, "metric_name"):
		return "missing_metric_name"
	default:
		return "other"
	}
}

// Submit ingests one batch for the authenticated agent. Per-sample
// failures are collected in the result; they never abort siblings.
func (p *Pipeline) Submit(ctx context.Context, agentID string, batch *types.MetricBatch) (*types.BatchResult, error) {
	if batch.AgentID != "" && batch.AgentID != agentID {
		return nil, types.E(types.KindForbidden, "batch agent_id does not match bearer identity")
	}
	if p.saturated() {
		return nil, types.E(types.KindTryAgainLater, "ingestion is saturated, retry later")
	}

	now := p.now().Unix()
	result := &types.BatchResult{}

	// Points grouped per kind so each physical table sees one insert;
	// accepted samples are kept so a stale-cache retry can re-resolve.
	pending := map[types.ValueKind][]types.Point{}
	var kept []types.Sample

	for i, sample := range batch.Samples {
		series, reason, created := p.resolveSeries(ctx, agentID, &sample, now)
		if reason != "" {
			result.Rejected++
			result.Rejections = append(result.Rejections, types.RejectedSample{Index: i, Reason: reason})
			metrics.SamplesRejected.WithLabelValues(rejectionClass(reason)).Inc()
			continue
		}
		if created {
			result.SeriesCreated++
		}
		result.Accepted++
		metrics.SamplesAccepted.Inc()
		kept = append(kept, sample)
		pending[series.Kind] = append(pending[series.Kind], types.Point{
			SeriesID:  series.SeriesID,
			Timestamp: sample.Timestamp,
			Value:     sample.Value,
		})
	}

	t0 := time.Now()
	if err := p.insertPending(ctx, pending); err != nil {
		if !isConstraintErr(err) {
			return nil, err
		}
		// A retention sweep deleted series out from under the cache.
		// Evict the batch's entries and resolve against the datastore
		// again.
		p.mu.Lock()
		for i := range kept {
			delete(p.cache, cacheKey(agentID, kept[i].MetricName, kept[i].Labels.Hash()))
		}
		p.mu.Unlock()

		pending = map[types.ValueKind][]types.Point{}
		for i := range kept {
			sample := &kept[i]
			series, created, err := p.findOrCreateSeries(ctx, agentID, sample, sample.EffectiveKind(), sample.Labels.Hash())
			if err != nil {
				return nil, fmt.Errorf("failed to re-resolve series: %w", err)
			}
			if created {
				result.SeriesCreated++
			}
			p.mu.Lock()
			p.cache[cacheKey(agentID, sample.MetricName, sample.Labels.Hash())] = series
			p.mu.Unlock()
			pending[series.Kind] = append(pending[series.Kind], types.Point{
				SeriesID:  series.SeriesID,
				Timestamp: sample.Timestamp,
				Value:     sample.Value,
			})
		}
		if err := p.insertPending(ctx, pending); err != nil {
			return nil, err
		}
	}
	p.observeInsertLatency(time.Since(t0))

	if len(batch.Logs) > 0 {
		inserted, err := p.submitLogs(ctx, agentID, batch.Logs)
		if err != nil {
			return nil, err
		}
		result.LogsInserted = inserted
	}

	if err := p.store.TouchAgent(ctx, agentID, now); err != nil {
		p.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to update last_seen")
	}

	p.logger.Debug().
		Str("agent_id", agentID).
		Int("accepted", result.Accepted).
		Int("rejected", result.Rejected).
		Int("series_created", result.SeriesCreated).
		Msg("batch ingested")
	return result, nil
}

func (p *Pipeline) insertPending(ctx context.Context, pending map[types.ValueKind][]types.Point) error {
	for kind, points := range pending {
		if _, err := p.store.InsertPoints(ctx, kind, points); err != nil {
			return fmt.Errorf("failed to insert points: %w", err)
		}
	}
	return nil
}

// isConstraintErr detects SQLite constraint violations by message; the
// driver does not surface them as typed errors.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// saturated reports whether the insert-latency average is over the
// backpressure threshold.
func (p *Pipeline) saturated() bool {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	return p.insertLatency > backpressureLatency
}

func (p *Pipeline) observeInsertLatency(d time.Duration) {
	p.latMu.Lock()
	p.insertLatency = (p.insertLatency*4 + d) / 5
	p.latMu.Unlock()
}

// SubmitLogs ingests a standalone log batch for the authenticated agent.
func (p *Pipeline) SubmitLogs(ctx context.Context, agentID string, entries []types.LogEntry) (int64, error) {
	return p.submitLogs(ctx, agentID, entries)
}

func (p *Pipeline) submitLogs(ctx context.Context, agentID string, entries []types.LogEntry) (int64, error) {
	for i := range entries {
		entries[i].AgentID = agentID
		if entries[i].Severity < types.SeverityEmergency || entries[i].Severity > types.SeverityDebug {
			entries[i].Severity = types.SeverityInfo
		}
	}
	n, err := p.store.InsertLogEntries(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to insert log entries: %w", err)
	}
	return n, nil
}

// resolveSeries validates one sample and returns its series, creating it
// on first sight. A non-empty reason means the sample is rejected.
func (p *Pipeline) resolveSeries(ctx context.Context, agentID string, sample *types.Sample, now int64) (series *types.Series, reason string, created bool) {
	if sample.MetricName == "" {
		return nil, "missing metric_name", false
	}
	if sample.Timestamp <= 0 {
		return nil, "missing timestamp", false
	}
	if sample.Timestamp > now+int64(MaxFutureSkew.Seconds()) {
		return nil, "timestamp too far in the future", false
	}

	kind := sample.EffectiveKind()
	hash := sample.Labels.Hash()
	key := cacheKey(agentID, sample.MetricName, hash)

	p.mu.RLock()
	series = p.cache[key]
	p.mu.RUnlock()

	if series == nil {
		var err error
		series, created, err = p.findOrCreateSeries(ctx, agentID, sample, kind, hash)
		if err != nil {
			p.logger.Error().Err(err).Str("metric", sample.MetricName).Msg("series resolution failed")
			return nil, "internal error resolving series", false
		}
		p.mu.Lock()
		p.cache[key] = series
		p.mu.Unlock()
	}

	if series.Kind != kind {
		return nil, fmt.Sprintf("value kind %s does not match series kind %s", kind, series.Kind), false
	}
	return series, "", created
}

// findOrCreateSeries relies on the UNIQUE constraint to serialize
// concurrent creations: the loser of the race re-selects.
func (p *Pipeline) findOrCreateSeries(ctx context.Context, agentID string, sample *types.Sample, kind types.ValueKind, hash string) (*types.Series, bool, error) {
	series, err := p.store.GetSeries(ctx, agentID, sample.MetricName, hash)
	if err == nil {
		return series, false, nil
	}
	if types.KindOf(err) != types.KindNotFound {
		return nil, false, err
	}

	series = &types.Series{
		AgentID:         agentID,
		MetricName:      sample.MetricName,
		LabelsCanonical: sample.Labels.Canonical(),
		LabelsHash:      hash,
		Kind:            kind,
	}
	err = p.store.CreateSeries(ctx, series)
	if err == nil {
		return series, true, nil
	}
	if types.KindOf(err) == types.KindConflict {
		series, err = p.store.GetSeries(ctx, agentID, sample.MetricName, hash)
		if err != nil {
			return nil, false, err
		}
		return series, false, nil
	}
	return nil, false, err
}
