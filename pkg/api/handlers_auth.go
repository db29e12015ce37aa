package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/types"
)

type registerRequest struct {
	auth.RegistrationChallenge
	AdminToken string          `json:"admin_token"`
	Hardware   *types.Hardware `json:"hardware,omitempty"`
}

type registerResponse struct {
	AgentID     string `json:"agent_id"`
	BearerToken string `json:"bearer_token"`
}

// handleRegister enrolls an agent: admin token gate, proof of key
// possession, then bearer issuance. Re-registration with the same key is
// idempotent and returns the existing token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AgentID == "" || req.Hostname == "" || req.PublicKey == "" {
		s.writeError(w, types.E(types.KindBadRequest, "agent_id, hostname and public_key are required"))
		return
	}

	if !s.validAdminToken(req.AdminToken) {
		s.auditAuthFailure(r, req.AdminToken, "bad admin token at registration")
		s.writeError(w, types.E(types.KindUnauthenticated, "invalid admin token"))
		return
	}

	if err := auth.VerifyChallenge(req.RegistrationChallenge, time.Now()); err != nil {
		s.auditRegistration(r, req.AgentID, false, "challenge verification failed")
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	existing, err := s.store.GetAgent(ctx, req.AgentID)
	switch {
	case err == nil:
		if existing.PublicKey != req.PublicKey {
			s.auditRegistration(r, req.AgentID, false, "public key mismatch")
			s.writeError(w, types.Ef(types.KindAlreadyRegistered, "agent %s is registered with a different key", req.AgentID))
			return
		}
		// Same key re-registering (reinstall, lost token file).
		s.auditRegistration(r, req.AgentID, true, "re-registration with existing key")
		s.writeJSON(w, http.StatusOK, registerResponse{AgentID: existing.AgentID, BearerToken: existing.BearerToken})
		return
	case types.KindOf(err) != types.KindNotFound:
		s.writeError(w, err)
		return
	}

	token, err := auth.NewBearerToken()
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().Unix()
	agent := &types.Agent{
		AgentID:      req.AgentID,
		Hostname:     req.Hostname,
		PublicKey:    req.PublicKey,
		BearerToken:  token,
		RegisteredAt: now,
		LastSeen:     now,
		Status:       types.AgentStatusActive,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		s.writeError(w, err)
		return
	}

	detail := "registered"
	if req.Hardware != nil {
		detail = "registered: " + req.Hardware.Summary()
	}
	s.auditRegistration(r, req.AgentID, true, detail)
	s.logger.Info().Str("agent_id", req.AgentID).Str("hostname", req.Hostname).Msg("agent registered")
	s.writeJSON(w, http.StatusOK, registerResponse{AgentID: agent.AgentID, BearerToken: token})
}

// handleVerify lets an agent confirm its token is valid.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":  agent.AgentID,
		"hostname":  agent.Hostname,
		"last_seen": agent.LastSeen,
	})
}

// handleListClients returns all agents for admins.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"clients": agents})
}

// handleRevokeClient deletes an agent and everything it owns.
func (s *Server) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if err := s.store.DeleteAgent(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}
	s.auditAdminAction(r, "revoked agent "+agentID)
	s.logger.Info().Str("agent_id", agentID).Msg("agent revoked")
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": agentID})
}

func (s *Server) auditRegistration(r *http.Request, agentID string, success bool, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(auth.AuditEvent{
		Event:      auth.EventAgentRegistration,
		AgentID:    agentID,
		RemoteAddr: r.RemoteAddr,
		Success:    success,
		Detail:     detail,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("audit write failed")
	}
}

func (s *Server) auditAdminAction(r *http.Request, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(auth.AuditEvent{
		Event:      auth.EventAdminAction,
		RemoteAddr: r.RemoteAddr,
		Success:    true,
		Detail:     detail,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("audit write failed")
	}
}
