package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/metrics"
	"github.com/perchlabs/perch/pkg/types"
)

type contextKey int

const agentKey contextKey = iota

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps every request with a deadline, access logging and
// prometheus counters. The websocket path is exempt from the deadline.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// authenticateAgent resolves the bearer token to an active agent.
func (s *Server) authenticateAgent(r *http.Request) (*types.Agent, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, types.E(types.KindUnauthenticated, "missing bearer token")
	}
	agent, err := s.store.GetAgentByToken(r.Context(), token)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			s.auditAuthFailure(r, token, "unknown token")
			return nil, types.E(types.KindUnauthenticated, "invalid bearer token")
		}
		return nil, err
	}
	return agent, nil
}

// authenticateAdmin accepts HTTP Basic admin:<admin_token> or a bearer
// carrying the admin token. Comparison is constant-time.
func (s *Server) authenticateAdmin(r *http.Request) error {
	presented := ""
	if user, pass, ok := r.BasicAuth(); ok {
		if user != "admin" {
			s.auditAuthFailure(r, pass, "bad admin username")
			return types.E(types.KindUnauthenticated, "admin credentials required")
		}
		presented = pass
	} else {
		presented = bearerToken(r)
	}
	if presented == "" {
		return types.E(types.KindUnauthenticated, "admin credentials required")
	}
	if s.validAdminToken(presented) {
		return nil
	}
	s.auditAuthFailure(r, presented, "bad admin token")
	return types.E(types.KindUnauthenticated, "admin credentials required")
}

func (s *Server) validAdminToken(presented string) bool {
	if auth.TokensEqual(presented, s.adminToken) {
		return true
	}
	return s.cfg.TestMode && auth.TokensEqual(presented, config.DevAdminToken)
}

// agentOnly passes the authenticated agent to the handler.
func (s *Server) agentOnly(h func(http.ResponseWriter, *http.Request, *types.Agent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.authenticateAgent(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)), agent)
	}
}

// adminOnly guards admin endpoints.
func (s *Server) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticateAdmin(r); err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r)
	}
}

func (s *Server) auditAuthFailure(r *http.Request, token, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(auth.AuditEvent{
		Event:       auth.EventAuthAttempt,
		TokenPrefix: token,
		RemoteAddr:  r.RemoteAddr,
		Success:     false,
		Detail:      detail,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("audit write failed")
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// The websocket path cannot set headers from browsers; allow a
	// token query parameter there.
	if strings.HasPrefix(r.URL.Path, "/ws/") {
		return r.URL.Query().Get("token")
	}
	return ""
}
