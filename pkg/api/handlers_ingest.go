package api

import (
	"net/http"

	"github.com/perchlabs/perch/pkg/storage"
	"github.com/perchlabs/perch/pkg/types"
)

// handleIngestMetrics accepts one metric batch from an agent. Partial
// failures come back in the body; the HTTP status stays 200.
func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	var batch types.MetricBatch
	if err := decodeJSON(r, &batch); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.pipeline.Submit(r.Context(), agent.AgentID, &batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type logBatch struct {
	AgentID string           `json:"agent_id"`
	Entries []types.LogEntry `json:"entries"`
}

// handleIngestLogs accepts a standalone log batch from an agent.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	var batch logBatch
	if err := decodeJSON(r, &batch); err != nil {
		s.writeError(w, err)
		return
	}
	if batch.AgentID != "" && batch.AgentID != agent.AgentID {
		s.writeError(w, types.E(types.KindForbidden, "batch agent_id does not match bearer identity"))
		return
	}

	n, err := s.pipeline.SubmitLogs(r.Context(), agent.AgentID, batch.Entries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"inserted": n})
}

// handleQueryLogs serves stored log entries to admins.
func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := storage.LogQuery{
		AgentID: q.Get("agent_id"),
		Source:  types.LogSource(q.Get("source")),
		Since:   parseInt(q.Get("since"), 0),
		Until:   parseInt(q.Get("until"), 0),
		Limit:   int(parseInt(q.Get("limit"), 0)),
	}
	if sev := q.Get("severity"); sev != "" {
		max := types.ParseSeverity(sev)
		lq.MaxSeverity = &max
	}

	entries, err := s.store.QueryLogs(r.Context(), lq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
