// Package server exposes the supervisor over HTTP: the /channel websocket
// workbenches attach through, a small JSON API, health and metrics.
package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/api"
	"github.com/peterje/ptyhost/internal/models"
	"github.com/peterje/ptyhost/internal/ws"
)

// Supervisor is what the API and health endpoints need from the pty host
// supervisor.
type Supervisor interface {
	api.Processes
	IsConnected() bool
	IsResponsive() bool
	RestartCount() int
}

// Channels serves workbench channels and runs workbench commands.
type Channels interface {
	ws.ConnServer
	api.CommandRunner
	Connections() int
}

type Server struct {
	mux      *http.ServeMux
	sup      Supervisor
	channels Channels
	checks   []models.CheckStatus
	log      *zap.Logger
}

// New builds the route table. metrics may be nil.
func New(sup Supervisor, channels Channels, checks []models.CheckStatus, metrics http.Handler, log *zap.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		sup:      sup,
		channels: channels,
		checks:   checks,
		log:      log.Named("http"),
	}
	s.routes(metrics)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler wraps the routes with recovery, request logging and, when token
// is not empty, token authentication.
func (s *Server) Handler(token string) http.Handler {
	var h http.Handler = s
	if token != "" {
		h = NewAuth(token).Middleware(h)
	}
	return recoveryMiddleware(s.log, loggingMiddleware(s.log, h))
}

func (s *Server) routes(metrics http.Handler) {
	procs := api.NewProcessesHandler(s.sup, s.channels, s.log)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}

	// Terminals
	s.mux.HandleFunc("GET /api/processes", procs.HandleList)
	s.mux.HandleFunc("DELETE /api/processes/{id}", procs.HandleDelete)
	s.mux.HandleFunc("POST /api/processes/{id}/command", procs.HandleCommand)
	s.mux.HandleFunc("POST /api/ptyhost/restart", procs.HandleRestart)

	// Workbench channels
	s.mux.Handle("GET /channel", ws.NewChannelHandler(s.channels, s.log))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status: "ok",
		PtyHost: models.PtyHostStatus{
			Connected:  s.sup.IsConnected(),
			Responsive: s.sup.IsResponsive(),
			Restarts:   s.sup.RestartCount(),
		},
		Workbenches: s.channels.Connections(),
		Checks:      s.checks,
	}
	if resp.PtyHost.Connected && !resp.PtyHost.Responsive {
		resp.Status = "unresponsive"
	}
	if resp.Checks == nil {
		resp.Checks = []models.CheckStatus{}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
