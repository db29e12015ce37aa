package query

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/storage"
	"github.com/perchlabs/perch/pkg/types"
)

// Engine answers read queries over the series catalog and point tables.
// All methods batch their SQL per physical table and merge in memory.
type Engine struct {
	store  storage.Store
	logger zerolog.Logger
}

// New builds an Engine over the given store.
func New(store storage.Store) *Engine {
	return &Engine{store: store, logger: log.WithComponent("query")}
}

// TimePoint is one (timestamp, value) output sample.
type TimePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// LatestValue returns the newest point of each candidate series reduced
// via agg. AggNone picks the series with the smallest series_id. Returns
// nil when no series matches or no candidate has any point.
func (e *Engine) LatestValue(ctx context.Context, agentID, metricName string, filter LabelFilter, agg Aggregation) (*float64, error) {
	series, err := e.store.FindSeries(ctx, metricName, []string{agentID})
	if err != nil {
		return nil, err
	}
	series = filterSeries(series, filter)
	if len(series) == 0 {
		return nil, nil
	}

	latest, err := e.store.LatestPoints(ctx, series)
	if err != nil {
		return nil, err
	}

	if agg == AggNone {
		// series come back ordered by series_id; first with a point wins.
		for _, sr := range series {
			if p, ok := latest[sr.SeriesID]; ok {
				v := p.Value
				return &v, nil
			}
		}
		return nil, nil
	}

	var values []float64
	for _, sr := range series {
		if p, ok := latest[sr.SeriesID]; ok {
			values = append(values, p.Value)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	v := agg.reduce(values)
	return &v, nil
}

// TimeseriesRequest selects points for Timeseries and Rate.
type TimeseriesRequest struct {
	MetricName  string
	Start, End  int64
	AgentIDs    []string
	Filter      LabelFilter
	Aggregation Aggregation
	StepSec     int64 // optional downsampling bucket
}

// Timeseries returns per-agent (timestamp, value) lists over [start, end].
// Multiple series per agent collapse per timestamp via the aggregation;
// StepSec rebuckets timestamps to floor(ts/step)*step first.
func (e *Engine) Timeseries(ctx context.Context, req TimeseriesRequest) (map[string][]TimePoint, error) {
	series, points, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return map[string][]TimePoint{}, nil
	}

	agentOf := seriesAgentIndex(series)

	// group values per (agent, bucketed timestamp)
	type key struct {
		agent string
		ts    int64
	}
	groups := make(map[key][]float64)
	for _, p := range points {
		ts := p.Timestamp
		if req.StepSec > 0 {
			ts = ts / req.StepSec * req.StepSec
		}
		k := key{agent: agentOf[p.SeriesID], ts: ts}
		groups[k] = append(groups[k], p.Value)
	}

	out := make(map[string][]TimePoint)
	for k, values := range groups {
		v := values[0]
		if req.Aggregation != AggNone || len(values) > 1 {
			agg := req.Aggregation
			if agg == AggNone {
				agg = AggAvg
			}
			v = agg.reduce(values)
		}
		out[k.agent] = append(out[k.agent], TimePoint{Timestamp: k.ts, Value: v})
	}
	sortPerAgent(out)
	return out, nil
}

// Rate computes per-second rates for counter metrics over a rolling
// window, per series, then reduces across series via the aggregation.
// A counter reset inside the window restarts the calculation at the
// reset; a window that ends on a reset yields 0. Rates are never
// negative.
func (e *Engine) Rate(ctx context.Context, req TimeseriesRequest, windowSec int64) (map[string][]TimePoint, error) {
	if windowSec <= 0 {
		return nil, types.E(types.KindBadRequest, "rate window must be positive")
	}

	// Pull windowSec of history before start so early output points have
	// a full window to look back on.
	fetchReq := req
	fetchReq.Start = req.Start - windowSec
	series, points, err := e.fetch(ctx, fetchReq)
	if err != nil {
		return nil, err
	}

	agentOf := seriesAgentIndex(series)

	// points arrive ordered by (series_id, timestamp) per physical
	// table; regroup per series.
	bySeries := make(map[int64][]types.Point)
	for _, p := range points {
		bySeries[p.SeriesID] = append(bySeries[p.SeriesID], p)
	}

	type key struct {
		agent string
		ts    int64
	}
	groups := make(map[key][]float64)
	for seriesID, pts := range bySeries {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
		for ts, rate := range seriesRates(pts, windowSec) {
			if ts < req.Start || ts > req.End {
				continue
			}
			k := key{agent: agentOf[seriesID], ts: ts}
			groups[k] = append(groups[k], rate)
		}
	}

	out := make(map[string][]TimePoint)
	for k, values := range groups {
		agg := req.Aggregation
		if agg == AggNone {
			agg = AggSum
		}
		out[k.agent] = append(out[k.agent], TimePoint{Timestamp: k.ts, Value: agg.reduce(values)})
	}
	sortPerAgent(out)
	return out, nil
}

// seriesRates computes the rolling-window rate at each sample timestamp
// of one series. pts must be sorted ascending.
func seriesRates(pts []types.Point, windowSec int64) map[int64]float64 {
	out := make(map[int64]float64)
	lo := 0
	for i := range pts {
		for pts[lo].Timestamp < pts[i].Timestamp-windowSec {
			lo++
		}
		window := pts[lo : i+1]
		if len(window) < 2 {
			continue
		}

		// Restart at the last counter reset inside the window.
		seg := window
		reset := false
		for j := len(window) - 1; j > 0; j-- {
			if window[j].Value < window[j-1].Value {
				seg = window[j:]
				reset = true
				break
			}
		}

		ts := pts[i].Timestamp
		if len(seg) < 2 {
			if reset {
				out[ts] = 0
			}
			continue
		}
		dt := seg[len(seg)-1].Timestamp - seg[0].Timestamp
		if dt <= 0 {
			continue
		}
		out[ts] = (seg[len(seg)-1].Value - seg[0].Value) / float64(dt)
	}
	return out
}

// ValueSpec names one LatestValue computation for Fraction.
type ValueSpec struct {
	MetricName  string
	Filter      LabelFilter
	Aggregation Aggregation
}

// Fraction computes LatestValue(num)/LatestValue(den)*multiplier for one
// agent. Returns nil when either side is absent or the denominator is 0.
func (e *Engine) Fraction(ctx context.Context, agentID string, num, den ValueSpec, multiplier float64) (*float64, error) {
	nv, err := e.LatestValue(ctx, agentID, num.MetricName, num.Filter, num.Aggregation)
	if err != nil {
		return nil, err
	}
	dv, err := e.LatestValue(ctx, agentID, den.MetricName, den.Filter, den.Aggregation)
	if err != nil {
		return nil, err
	}
	if nv == nil || dv == nil || *dv == 0 {
		return nil, nil
	}
	v := *nv / *dv * multiplier
	return &v, nil
}

// fetch resolves the matching series and pulls their points in one pass.
func (e *Engine) fetch(ctx context.Context, req TimeseriesRequest) ([]*types.Series, []types.Point, error) {
	series, err := e.store.FindSeries(ctx, req.MetricName, req.AgentIDs)
	if err != nil {
		return nil, nil, err
	}
	series = filterSeries(series, req.Filter)
	if len(series) == 0 {
		return nil, nil, nil
	}
	points, err := e.store.PointsInRange(ctx, series, req.Start, req.End)
	if err != nil {
		return nil, nil, err
	}
	return series, points, nil
}

func seriesAgentIndex(series []*types.Series) map[int64]string {
	idx := make(map[int64]string, len(series))
	for _, sr := range series {
		idx[sr.SeriesID] = sr.AgentID
	}
	return idx
}

func sortPerAgent(out map[string][]TimePoint) {
	for _, pts := range out {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
	}
}
