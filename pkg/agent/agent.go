package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/agent/exporters"
	"github.com/perchlabs/perch/pkg/agent/ipmictl"
	"github.com/perchlabs/perch/pkg/agent/logship"
	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/client"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

// Commands are polled every pollEveryNCycles collection cycles as a
// fallback for agents whose websocket stream is down.
const pollEveryNCycles = 3

// Agent is the edge runtime: it registers once, then collects and
// pushes telemetry on an interval while serving remote commands.
type Agent struct {
	cfg        config.AgentConfig
	configPath string
	agentID    string

	identity  *auth.Identity
	client    *client.Client
	exporters *exporters.Manager
	shipper   *logship.Shipper
	executor  *Executor
	logger    zerolog.Logger
}

// New wires an agent from its config. The keypair and agent id are
// created on first run and reused after.
func New(cfg config.AgentConfig, configPath string) (*Agent, error) {
	identity, err := auth.LoadOrCreateIdentity(cfg.AuthDir)
	if err != nil {
		return nil, err
	}
	agentID, err := loadOrCreateAgentID(cfg.AuthDir)
	if err != nil {
		return nil, err
	}

	runner := ipmictl.NewRunner()
	fans := ipmictl.NewFanController(runner)

	mgr := exporters.NewManager()
	if cfg.ExporterEnabled("os") {
		mgr.Register(exporters.NewOSExporter(cfg.OSMetrics.Mountpoints))
	}
	if cfg.ExporterEnabled("ipmi") {
		mgr.Register(exporters.NewIPMIExporter(""))
	}
	if cfg.ExporterEnabled("nvme") {
		mgr.Register(exporters.NewNVMEExporter(""))
	}
	if cfg.ExporterEnabled("nvsmi") {
		mgr.Register(exporters.NewNVSMIExporter(""))
	}
	if cfg.ExporterEnabled("psu") {
		mgr.Register(exporters.NewPSUExporter(""))
	}
	if cfg.ExporterEnabled("bmc_fan") {
		mgr.Register(exporters.NewBMCFanExporter(fans))
	}
	if cfg.ExporterEnabled("apt") {
		mgr.Register(exporters.NewAPTExporter())
	}

	a := &Agent{
		cfg:        cfg,
		configPath: configPath,
		agentID:    agentID,
		identity:   identity,
		client:     client.New(cfg.Server, identity.Token),
		exporters:  mgr,
		executor:   NewExecutor(runner, configPath),
		logger:     log.WithComponent("agent").With().Str("agent_id", agentID).Logger(),
	}
	if cfg.Logs.Enabled {
		a.shipper = logship.NewShipper(cfg.AuthDir, cfg.Logs)
	}
	return a, nil
}

// AgentID returns the stable identity of this agent.
func (a *Agent) AgentID() string { return a.agentID }

// Registered reports whether a bearer token is on disk.
func (a *Agent) Registered() bool { return a.identity.Token != "" }

// Register enrolls this agent with the server using the operator's
// admin token and persists the issued bearer.
func (a *Agent) Register(ctx context.Context, adminToken string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to read hostname: %w", err)
	}

	ts := time.Now().Unix()
	sig, err := a.identity.SignChallenge(a.agentID, ts)
	if err != nil {
		return err
	}

	resp, err := a.client.Register(ctx, &client.RegisterRequest{
		AgentID:    a.agentID,
		Hostname:   hostname,
		PublicKey:  a.identity.Public,
		Nonce:      uuid.NewString(),
		Timestamp:  ts,
		Signature:  sig,
		AdminToken: adminToken,
		Hardware:   DetectHardware(ctx),
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	if err := a.identity.SaveToken(resp.BearerToken); err != nil {
		return err
	}
	a.client.SetToken(resp.BearerToken)
	a.logger.Info().Str("server", a.cfg.Server).Msg("registered with server")
	return nil
}

// Run is the main loop: collect and push every interval, poll for
// commands as a stream fallback, stop when ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if !a.Registered() {
		return fmt.Errorf("agent is not registered, run with --register first")
	}
	if err := a.client.Verify(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("token verification failed, continuing anyway")
	}

	stream := NewCommandStream(a.cfg.Server, a.agentID, a.identity.Token, a.executor)
	go stream.Run(ctx)

	interval := time.Duration(a.cfg.IntervalSec) * time.Second
	a.logger.Info().
		Dur("interval", interval).
		Strs("exporters", a.exporters.Names()).
		Msg("agent running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := 0
	for {
		a.cycle(ctx, cycle%pollEveryNCycles == 0)
		cycle++

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single collect-push-poll cycle, for cron-style use and
// smoke tests.
func (a *Agent) Once(ctx context.Context) error {
	if !a.Registered() {
		return fmt.Errorf("agent is not registered, run with --register first")
	}
	a.cycle(ctx, true)
	return nil
}

func (a *Agent) cycle(ctx context.Context, pollCommands bool) {
	batch := &types.MetricBatch{
		AgentID:        a.agentID,
		BatchTimestamp: time.Now().Unix(),
		Samples:        a.exporters.Collect(ctx),
	}
	if a.shipper != nil {
		batch.Logs = a.shipper.Collect(ctx)
	}

	pushed := true
	if len(batch.Samples) > 0 || len(batch.Logs) > 0 {
		res, err := a.client.PushMetrics(ctx, batch)
		if err != nil {
			// Log cursors stay uncommitted so the entries ship again
			// next cycle.
			pushed = false
			a.logger.Error().Err(err).Msg("failed to push batch")
		} else {
			a.logger.Debug().
				Int("accepted", res.Accepted).
				Int("rejected", res.Rejected).
				Int64("logs", res.LogsInserted).
				Msg("batch pushed")
			for _, rej := range res.Rejections {
				a.logger.Warn().
					Int("index", rej.Index).
					Str("reason", rej.Reason).
					Msg("sample rejected")
			}
		}
	}
	if pushed && a.shipper != nil {
		a.shipper.CommitCursors()
	}

	if pollCommands {
		a.pollCommands(ctx)
	}
}

// pollCommands claims and executes the pending queue over HTTP.
func (a *Agent) pollCommands(ctx context.Context) {
	cmds, err := a.client.FetchCommands(ctx, a.agentID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("command poll failed")
		return
	}
	for _, cmd := range cmds {
		res := a.executor.Execute(ctx, cmd)
		if err := a.client.PostCommandResult(ctx, res); err != nil {
			a.logger.Error().Err(err).Str("command_id", cmd.CommandID).Msg("failed to report result")
		}
	}
}

const agentIDFile = "agent_id"

// loadOrCreateAgentID derives a stable id from the hostname plus a
// short random suffix and persists it, so hostname collisions across
// the fleet cannot collide identities.
func loadOrCreateAgentID(authDir string) (string, error) {
	path := filepath.Join(authDir, agentIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "agent"
	}
	id := fmt.Sprintf("%s-%s", strings.ToLower(hostname), uuid.NewString()[:8])

	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create auth dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist agent id: %w", err)
	}
	return id, nil
}
