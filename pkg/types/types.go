package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Agent represents a registered edge agent (one monitored host).
type Agent struct {
	AgentID      string      `db:"agent_id" json:"agent_id"`
	Hostname     string      `db:"hostname" json:"hostname"`
	PublicKey    string      `db:"public_key" json:"-"`
	BearerToken  string      `db:"bearer_token" json:"-"`
	RegisteredAt int64       `db:"registered_at" json:"registered_at"`
	LastSeen     int64       `db:"last_seen" json:"last_seen"`
	Status       AgentStatus `db:"status" json:"status"`
}

// AgentStatus represents the lifecycle state of an agent record.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusRevoked AgentStatus = "revoked"
)

// Hardware is the optional inventory an agent reports at registration.
type Hardware struct {
	CPUModel string `json:"cpu_name,omitempty"`
	CPUCores int    `json:"cpu_cores,omitempty"`
	RAMGB    int    `json:"ram_gb,omitempty"`
	GPUModel string `json:"gpu_name,omitempty"`
	GPUCount int    `json:"gpu_count,omitempty"`
}

// Summary renders a one-line inventory for logs and audit trails.
func (h Hardware) Summary() string {
	s := fmt.Sprintf("%s (%d cores), %d GB RAM", h.CPUModel, h.CPUCores, h.RAMGB)
	if h.GPUCount > 0 {
		s += fmt.Sprintf(", %dx %s", h.GPUCount, h.GPUModel)
	}
	return s
}

// Labels is the dimensional identity of a metric series beyond its name.
// Key order is irrelevant; Canonical produces the stable serialization
// used for series identity.
type Labels map[string]string

// Canonical serializes labels with keys sorted lexicographically:
// k1=v1,k2=v2. An empty or nil label set canonicalizes to "".
func (l Labels) Canonical() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	return b.String()
}

// Hash returns the hex SHA-256 of the canonical serialization. Stored on
// the series row so lookups hit an index instead of comparing JSON blobs.
func (l Labels) Hash() string {
	sum := sha256.Sum256([]byte(l.Canonical()))
	return hex.EncodeToString(sum[:])
}

// ValueKind distinguishes the two physical point tables.
type ValueKind string

const (
	KindInt   ValueKind = "int"
	KindFloat ValueKind = "float"
)

// Series is the catalog entry for one (agent, metric, labels) stream.
type Series struct {
	SeriesID        int64     `db:"series_id" json:"series_id"`
	AgentID         string    `db:"agent_id" json:"agent_id"`
	MetricName      string    `db:"metric_name" json:"metric_name"`
	LabelsCanonical string    `db:"labels_canonical" json:"labels"`
	LabelsHash      string    `db:"labels_hash" json:"-"`
	Kind            ValueKind `db:"value_kind" json:"value_kind"`
}

// Labels parses the canonical serialization back into a map.
func (s *Series) Labels() Labels {
	if s.LabelsCanonical == "" {
		return Labels{}
	}
	out := Labels{}
	for _, pair := range strings.Split(s.LabelsCanonical, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Point is one scalar sample at one UTC second for one series.
type Point struct {
	SeriesID  int64   `db:"series_id" json:"-"`
	Timestamp int64   `db:"timestamp_utc_sec" json:"timestamp"`
	Value     float64 `db:"value" json:"value"`
}

// Sample is one incoming measurement inside a metric batch.
type Sample struct {
	MetricName string  `json:"metric_name"`
	Labels     Labels  `json:"labels,omitempty"`
	Value      float64 `json:"value"`
	Timestamp  int64   `json:"timestamp"`
	KindHint   string  `json:"value_kind_hint,omitempty"` // "int" or "float"
}

// EffectiveKind infers the numeric kind of the sample: integer when the
// value is whole and the hint does not demand float.
func (s *Sample) EffectiveKind() ValueKind {
	if s.KindHint == string(KindFloat) {
		return KindFloat
	}
	if s.Value == float64(int64(s.Value)) {
		return KindInt
	}
	return KindFloat
}

// MetricBatch is the agent→server metric submission payload.
type MetricBatch struct {
	AgentID        string     `json:"agent_id"`
	BatchTimestamp int64      `json:"batch_timestamp"`
	Samples        []Sample   `json:"samples"`
	Logs           []LogEntry `json:"logs,omitempty"`
}

// RejectedSample reports one sample the pipeline refused, by batch index.
type RejectedSample struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult summarizes one metric batch ingestion.
type BatchResult struct {
	Accepted      int              `json:"accepted"`
	Rejected      int              `json:"rejected"`
	SeriesCreated int              `json:"series_created"`
	Rejections    []RejectedSample `json:"rejections,omitempty"`
	LogsInserted  int64            `json:"logs_inserted,omitempty"`
}

// LogSource identifies where an agent collected a log entry.
type LogSource string

const (
	LogSourceKernel      LogSource = "kernel"
	LogSourceJournal     LogSource = "journal"
	LogSourceSyslog      LogSource = "syslog"
	LogSourceApplication LogSource = "application"
)

// Severity is the 0–7 syslog scale; lower is more severe.
type Severity int

const (
	SeverityEmergency Severity = 0
	SeverityAlert     Severity = 1
	SeverityCritical  Severity = 2
	SeverityError     Severity = 3
	SeverityWarning   Severity = 4
	SeverityNotice    Severity = 5
	SeverityInfo      Severity = 6
	SeverityDebug     Severity = 7
)

var severityNames = map[Severity]string{
	SeverityEmergency: "EMERGENCY",
	SeverityAlert:     "ALERT",
	SeverityCritical:  "CRITICAL",
	SeverityError:     "ERROR",
	SeverityWarning:   "WARNING",
	SeverityNotice:    "NOTICE",
	SeverityInfo:      "INFO",
	SeverityDebug:     "DEBUG",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "INFO"
}

// ParseSeverity maps a severity name to the syslog scale. Unknown names
// map to INFO.
func ParseSeverity(name string) Severity {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "EMERGENCY", "EMERG", "PANIC":
		return SeverityEmergency
	case "ALERT":
		return SeverityAlert
	case "CRITICAL", "CRIT", "FATAL":
		return SeverityCritical
	case "ERROR", "ERR":
		return SeverityError
	case "WARNING", "WARN":
		return SeverityWarning
	case "NOTICE":
		return SeverityNotice
	case "DEBUG":
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// AtLeast reports whether s is at least as severe as threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s <= threshold
}

// LogEntry is one shipped log line with host context.
type LogEntry struct {
	EntryID   int64     `db:"entry_id" json:"-"`
	AgentID   string    `db:"agent_id" json:"agent_id,omitempty"`
	Source    LogSource `db:"source" json:"source"`
	Timestamp int64     `db:"timestamp_utc_sec" json:"timestamp"`
	Severity  Severity  `db:"severity" json:"severity"`
	Message   string    `db:"message" json:"message"`
	Context   string    `db:"context" json:"context,omitempty"` // JSON: unit, identifier, pid
}

// CommandType enumerates the recognized remote commands.
type CommandType string

const (
	CommandFanControl   CommandType = "fan_control"
	CommandSystemInfo   CommandType = "system_info"
	CommandIPMIRaw      CommandType = "ipmi_raw"
	CommandReboot       CommandType = "reboot"
	CommandConfigUpdate CommandType = "config_update"
)

// CommandStatus is the delivery state machine of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// Command is one admin-originated instruction addressed to an agent.
type Command struct {
	CommandID   string        `db:"command_id" json:"command_id"`
	AgentID     string        `db:"agent_id" json:"agent_id"`
	Type        CommandType   `db:"command_type" json:"command_type"`
	Payload     string        `db:"payload" json:"-"` // JSON
	Status      CommandStatus `db:"status" json:"status"`
	CreatedAt   int64         `db:"created_at" json:"created_at"`
	DeliveredAt *int64        `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt *int64        `db:"completed_at" json:"completed_at,omitempty"`
	Result      *string       `db:"result" json:"-"` // JSON
	Error       *string       `db:"error" json:"error,omitempty"`
}

// CommandResult is the agent→server result submission payload.
type CommandResult struct {
	CommandID string         `json:"command_id"`
	Status    string         `json:"status"` // "completed" or "failed"
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// StorageStats is the /api/stats response body.
type StorageStats struct {
	Agents          int64 `json:"agents"`
	ActiveAgents    int64 `json:"active_agents"`
	Series          int64 `json:"series"`
	Points          int64 `json:"points"`
	LogEntries      int64 `json:"log_entries"`
	CommandsPending int64 `json:"commands_pending"`
	CommandsTotal   int64 `json:"commands_total"`
}
