package agent

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/client"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

const streamReconnectDelay = 10 * time.Second

// streamFrame is the message envelope on the command stream.
type streamFrame struct {
	Type     string               `json:"type"` // "commands" or "result"
	Commands []client.Command     `json:"commands,omitempty"`
	Result   *types.CommandResult `json:"result,omitempty"`
}

// CommandStream keeps a websocket open to the server so commands arrive
// without waiting for the next poll. Results go back on the same
// socket. The stream is an accelerator; the poll path still runs.
type CommandStream struct {
	url      string
	token    string
	executor *Executor
	logger   zerolog.Logger
}

// NewCommandStream derives the ws:// endpoint from the server base URL.
func NewCommandStream(serverURL, agentID, token string, executor *Executor) *CommandStream {
	wsURL := strings.TrimRight(serverURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &CommandStream{
		url:      wsURL + "/ws/client/" + agentID,
		token:    token,
		executor: executor,
		logger:   log.WithComponent("stream"),
	}
}

// Run connects and reconnects until ctx is cancelled.
func (s *CommandStream) Run(ctx context.Context) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}
	header := http.Header{"Authorization": {"Bearer " + s.token}}

	for {
		conn, _, err := dialer.DialContext(ctx, s.url, header)
		if err != nil {
			s.logger.Debug().Err(err).Msg("stream connect failed")
		} else {
			s.logger.Info().Msg("command stream connected")
			s.serve(ctx, conn)
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

// serve reads command frames until the socket breaks. Server pings are
// answered by the default pong handler inside ReadJSON.
func (s *CommandStream) serve(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("command stream closed")
			}
			return
		}
		if frame.Type != "commands" {
			continue
		}
		for _, cmd := range frame.Commands {
			res := s.executor.Execute(ctx, cmd)
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(streamFrame{Type: "result", Result: res}); err != nil {
				s.logger.Warn().Err(err).Str("command_id", cmd.CommandID).Msg("failed to send result on stream")
				return
			}
		}
	}
}
