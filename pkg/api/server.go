package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/command"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/ingest"
	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/metrics"
	"github.com/perchlabs/perch/pkg/query"
	"github.com/perchlabs/perch/pkg/storage"
)

const requestTimeout = 30 * time.Second

// Server is the HTTP control plane.
type Server struct {
	cfg        config.ServerConfig
	store      storage.Store
	pipeline   *ingest.Pipeline
	engine     *query.Engine
	commands   *command.Manager
	hub        *command.Hub
	adminToken string
	audit      *auth.AuditLogger
	logger     zerolog.Logger
	httpServer *http.Server
}

// Deps collects everything the server serves from.
type Deps struct {
	Store      storage.Store
	Pipeline   *ingest.Pipeline
	Engine     *query.Engine
	Commands   *command.Manager
	Hub        *command.Hub
	AdminToken string
	Audit      *auth.AuditLogger
}

// NewServer wires the router and middleware.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		pipeline:   deps.Pipeline,
		engine:     deps.Engine,
		commands:   deps.Commands,
		hub:        deps.Hub,
		adminToken: deps.AdminToken,
		audit:      deps.Audit,
		logger:     log.WithComponent("api"),
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/clients/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/client/verify", s.agentOnly(s.handleVerify)).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.agentOnly(s.handleIngestMetrics)).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.adminOnly(s.handleRawPoints)).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.agentOnly(s.handleIngestLogs)).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.adminOnly(s.handleQueryLogs)).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.adminOnly(s.handleEnqueueCommand)).Methods(http.MethodPost)
	api.HandleFunc("/commands/{agent_id}", s.handleClaimCommands).Methods(http.MethodGet)
	api.HandleFunc("/command-results", s.agentOnly(s.handleCommandResult)).Methods(http.MethodPost)
	api.HandleFunc("/command/{command_id}", s.adminOnly(s.handleGetCommand)).Methods(http.MethodGet)
	api.HandleFunc("/clients", s.adminOnly(s.handleListClients)).Methods(http.MethodGet)
	api.HandleFunc("/clients/{agent_id}", s.adminOnly(s.handleRevokeClient)).Methods(http.MethodDelete)
	api.HandleFunc("/timeseries/{metric_name}/rate", s.adminOnly(s.handleRate)).Methods(http.MethodGet)
	api.HandleFunc("/timeseries/{metric_name}", s.adminOnly(s.handleTimeseries)).Methods(http.MethodGet)
	api.HandleFunc("/latest/{agent_id}/{metric_name}", s.adminOnly(s.handleLatest)).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.adminOnly(s.handleStats)).Methods(http.MethodGet)

	r.HandleFunc("/ws/client/{agent_id}", s.handleStream).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: the websocket path holds connections open.
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Bool("tls", s.cfg.UseTLS).
		Msg("listening")

	var err error
	if s.cfg.UseTLS {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath(), s.cfg.TLSKeyPath())
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
