package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit event types.
const (
	EventAuthAttempt       = "auth_attempt"
	EventAdminAction       = "admin_action"
	EventAgentRegistration = "agent_registration"
)

// AuditEvent is one JSON line in the audit trail.
type AuditEvent struct {
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	AgentID     string `json:"agent_id,omitempty"`
	TokenPrefix string `json:"token_prefix,omitempty"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	Success     bool   `json:"success"`
	Detail      string `json:"detail,omitempty"`
}

// AuditLogger appends JSON-lines events to a file. Safe for concurrent
// use.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAuditLogger opens or creates the audit log at path.
func OpenAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLogger{file: f}, nil
}

// Record appends one event. The timestamp is filled in when zero.
func (a *AuditLogger) Record(ev AuditEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	ev.TokenPrefix = TruncateToken(ev.TokenPrefix)

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
