package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/perchlabs/perch/pkg/query"
	"github.com/perchlabs/perch/pkg/types"
)

// activeWindowSec is how recently an agent must have reported to count
// as active for active_only queries.
const activeWindowSec = 3600

func parseInt(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

// timeseriesRequest assembles the common query parameters. Either
// seconds (a lookback from now) or since/until bounds may be given.
// With no explicit agent_ids the agent set defaults to active agents
// only; ok=false means that set is empty and the result is empty too.
func (s *Server) timeseriesRequest(r *http.Request) (req query.TimeseriesRequest, ok bool, err error) {
	q := r.URL.Query()

	agg, err := query.ParseAggregation(q.Get("aggregation"))
	if err != nil {
		return query.TimeseriesRequest{}, false, err
	}
	filter, err := query.ParseLabelFilter(q.Get("labels"))
	if err != nil {
		return query.TimeseriesRequest{}, false, err
	}

	now := time.Now().Unix()
	end := parseInt(q.Get("until_timestamp"), now)
	start := parseInt(q.Get("since_timestamp"), 0)
	if start == 0 {
		seconds := parseInt(q.Get("seconds"), 3600)
		start = end - seconds
	}

	var agentIDs []string
	if raw := q.Get("agent_ids"); raw != "" {
		agentIDs = strings.Split(raw, ",")
	} else if parseBool(q.Get("active_only"), true) {
		agents, err := s.store.ListAgents(r.Context())
		if err != nil {
			return query.TimeseriesRequest{}, false, err
		}
		for _, a := range agents {
			if a.Status == types.AgentStatusActive && a.LastSeen >= now-activeWindowSec {
				agentIDs = append(agentIDs, a.AgentID)
			}
		}
		if len(agentIDs) == 0 {
			return query.TimeseriesRequest{}, false, nil
		}
	}

	return query.TimeseriesRequest{
		MetricName:  mux.Vars(r)["metric_name"],
		Start:       start,
		End:         end,
		AgentIDs:    agentIDs,
		Filter:      filter,
		Aggregation: agg,
		StepSec:     parseInt(q.Get("step"), 0),
	}, true, nil
}

// handleTimeseries serves time-range queries per agent.
func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	req, ok, err := s.timeseriesRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"series": map[string]any{}})
		return
	}
	out, err := s.engine.Timeseries(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": out})
}

// handleRate serves counter-rate queries.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	req, ok, err := s.timeseriesRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"series": map[string]any{}})
		return
	}
	window := parseInt(r.URL.Query().Get("rate_window"), 300)
	out, err := s.engine.Rate(r.Context(), req, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": out})
}

// handleLatest serves a single latest-value lookup.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	agg, err := query.ParseAggregation(q.Get("aggregation"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter, err := query.ParseLabelFilter(q.Get("labels"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	v, err := s.engine.LatestValue(r.Context(), vars["agent_id"], vars["metric_name"], filter, agg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"value": v})
}

// rawPoint is one unaggregated point with its series identity attached.
type rawPoint struct {
	AgentID    string       `json:"agent_id"`
	MetricName string       `json:"metric_name"`
	Labels     types.Labels `json:"labels"`
	Timestamp  int64        `json:"timestamp"`
	Value      float64      `json:"value"`
}

// handleRawPoints dumps stored points without aggregation, for admin
// spot checks. metric_name is required to bound the scan.
func (s *Server) handleRawPoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("metric_name")
	if name == "" {
		s.writeError(w, types.E(types.KindBadRequest, "metric_name is required"))
		return
	}
	var agentIDs []string
	if id := q.Get("agent_id"); id != "" {
		agentIDs = []string{id}
	}
	now := time.Now().Unix()
	end := parseInt(q.Get("until_timestamp"), now)
	start := parseInt(q.Get("since_timestamp"), end-3600)
	limit := parseInt(q.Get("limit"), 1000)

	series, err := s.store.FindSeries(r.Context(), name, agentIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	points, err := s.store.PointsInRange(r.Context(), series, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	byID := make(map[int64]*types.Series, len(series))
	for _, sr := range series {
		byID[sr.SeriesID] = sr
	}
	out := make([]rawPoint, 0, len(points))
	for _, p := range points {
		if int64(len(out)) >= limit {
			break
		}
		sr := byID[p.SeriesID]
		out = append(out, rawPoint{
			AgentID:    sr.AgentID,
			MetricName: sr.MetricName,
			Labels:     sr.Labels(),
			Timestamp:  p.Timestamp,
			Value:      p.Value,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"points": out, "count": len(out)})
}

// handleStats reports datastore row counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleHealth is the liveness probe; it reports datastore reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"datastore": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "datastore": "ok"})
}
