package command

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
)

// Hub tracks which agents hold an open command stream. The streaming
// path only reduces latency: the hub carries wake-up signals, not
// command payloads, so a dropped signal costs nothing (the next poll or
// reconnect reclaims via the normal claim).
type Hub struct {
	mu    sync.RWMutex
	wakes map[string]chan struct{}

	logger zerolog.Logger
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{
		wakes:  make(map[string]chan struct{}),
		logger: log.WithComponent("command-hub"),
	}
}

// Subscribe registers a stream for agentID and returns its wake channel.
// A second subscription for the same agent replaces the first.
func (h *Hub) Subscribe(agentID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.wakes[agentID] = ch
	h.mu.Unlock()
	h.logger.Debug().Str("agent_id", agentID).Msg("stream subscribed")
	return ch
}

// Unsubscribe drops the stream registration if ch is still current.
func (h *Hub) Unsubscribe(agentID string, ch chan struct{}) {
	h.mu.Lock()
	if h.wakes[agentID] == ch {
		delete(h.wakes, agentID)
	}
	h.mu.Unlock()
	h.logger.Debug().Str("agent_id", agentID).Msg("stream unsubscribed")
}

// Notify wakes the agent's stream, if any. Non-blocking; a full buffer
// means a wake-up is already queued.
func (h *Hub) Notify(agentID string) {
	h.mu.RLock()
	ch := h.wakes[agentID]
	h.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Connected reports whether agentID has an open stream.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.wakes[agentID]
	return ok
}
