package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perchlabs/perch/pkg/types"
)

type enqueueRequest struct {
	AgentID string          `json:"agent_id"`
	Type    string          `json:"command_type"`
	Payload json.RawMessage `json:"payload"`
}

// handleEnqueueCommand creates a pending command for an agent.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cmd, err := s.commands.Enqueue(r.Context(), req.AgentID, types.CommandType(req.Type), req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.auditAdminAction(r, "enqueued "+string(cmd.Type)+" for "+cmd.AgentID)
	s.writeJSON(w, http.StatusOK, cmd)
}

// handleClaimCommands hands an agent its pending queue. Agents may only
// read their own queue; admins may inspect any agent's recent commands
// without claiming them.
func (s *Server) handleClaimCommands(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	if agent, err := s.authenticateAgent(r); err == nil {
		if agent.AgentID != agentID {
			s.writeError(w, types.E(types.KindForbidden, "agents may only read their own command queue"))
			return
		}
		cmds, err := s.commands.Claim(r.Context(), agentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"commands": commandViews(cmds)})
		return
	}

	// Not an agent token; an admin gets a read-only listing.
	if err := s.authenticateAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	cmds, err := s.commands.List(r.Context(), agentID, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"commands": commandViews(cmds)})
}

// handleCommandResult records the agent's terminal outcome.
func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request, agent *types.Agent) {
	var res types.CommandResult
	if err := decodeJSON(r, &res); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.commands.SubmitResult(r.Context(), agent.AgentID, &res); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recorded": res.CommandID})
}

// handleGetCommand lets admins poll one command's status.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Get(r.Context(), mux.Vars(r)["command_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandView(cmd))
}

// commandView flattens the stored JSON payload and result for the wire.
type commandViewBody struct {
	*types.Command
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func commandView(cmd *types.Command) commandViewBody {
	v := commandViewBody{Command: cmd, Payload: json.RawMessage(cmd.Payload)}
	if cmd.Result != nil {
		v.Result = json.RawMessage(*cmd.Result)
	}
	return v
}

func commandViews(cmds []*types.Command) []commandViewBody {
	out := make([]commandViewBody, len(cmds))
	for i, c := range cmds {
		out[i] = commandView(c)
	}
	return out
}
