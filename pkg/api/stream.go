package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/perchlabs/perch/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; no origin restriction.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

// streamEnvelope is the message frame on the command stream.
type streamEnvelope struct {
	Type     string               `json:"type"` // "commands" or "result"
	Commands []commandViewBody    `json:"commands,omitempty"`
	Result   *types.CommandResult `json:"result,omitempty"`
}

// handleStream upgrades an agent connection to the streaming command
// path. The stream changes nothing about command state semantics; it
// only pushes pending commands sooner than the next poll would.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agent, err := s.authenticateAgent(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agent.AgentID != mux.Vars(r)["agent_id"] {
		s.writeError(w, types.E(types.KindForbidden, "agents may only stream their own commands"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("websocket upgrade failed")
		return
	}

	logger := s.logger.With().Str("agent_id", agent.AgentID).Logger()
	logger.Info().Msg("command stream opened")

	wake := s.hub.Subscribe(agent.AgentID)
	defer s.hub.Unsubscribe(agent.AgentID, wake)
	defer conn.Close()

	// Reader: result frames come back on the same socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			var env streamEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != "result" || env.Result == nil {
				continue
			}
			if err := s.commands.SubmitResult(r.Context(), agent.AgentID, env.Result); err != nil {
				logger.Warn().Err(err).Str("command_id", env.Result.CommandID).Msg("stream result rejected")
			}
		}
	}()

	// Reconnect reconciliation: anything already pending goes out first.
	if err := s.pushPending(conn, agent.AgentID); err != nil {
		logger.Warn().Err(err).Msg("initial push failed")
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logger.Info().Msg("command stream closed")
			return
		case <-wake:
			if err := s.pushPending(conn, agent.AgentID); err != nil {
				logger.Warn().Err(err).Msg("stream push failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pushPending claims the agent's queue and writes it to the stream. The
// claim marks commands delivered exactly as the poll path does.
func (s *Server) pushPending(conn *websocket.Conn, agentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	cmds, err := s.commands.Claim(ctx, agentID)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(streamEnvelope{Type: "commands", Commands: commandViews(cmds)})
}
