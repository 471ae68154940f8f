package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/app"
	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/config"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

type appService interface {
	Connect(ctx context.Context, conn broadcast.Conn) error
	Disconnect(conn broadcast.Conn)
	SendServerMessage(ctx context.Context, in app.ServerMessageInput) (*domain.Message, error)
	SendDirectMessage(ctx context.Context, in app.DirectMessageInput) (*domain.Message, error)
	JoinServer(ctx context.Context, serverID, userID string) (*domain.Membership, error)
	LeaveServer(ctx context.Context, serverID, userID string) error
	UpdateMemberRoles(ctx context.Context, serverID, actorID, targetID string, roleIDs []string) (*domain.Member, error)
}

// admissionController is satisfied by *ratelimit.Controller.
type admissionController interface {
	Admit(ctx context.Context, rule domain.Rule, subject domain.Subject) (domain.Decision, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app       appService
	admission admissionController
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader

	metrics        *metrics.Set
	metricsHandler http.Handler
	clock          clockwork.Clock

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, admission admissionController, limits *ConnectionLimits, m *metrics.Set, metricsHandler http.Handler, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg)

	srv := &Server{
		echo:      e,
		config:    cfg,
		app:       app,
		admission: admission,
		limits:    limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		},
		metrics:        m,
		metricsHandler: metricsHandler,
		clock:          clock,
		healthChecks:   healthChecks,
		startTime:      clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// ipExtractor believes X-Forwarded-For only when the peer is a configured proxy.
// Echo's own defaults would also trust every private and loopback peer.
func ipExtractor(cfg *config.Config) echo.IPExtractor {
	nets, err := cfg.TrustedProxyNets()
	if err != nil {
		slog.Warn("Ignoring invalid trusted proxies", "error", err)
		return echo.ExtractIPDirect()
	}
	if len(nets) == 0 {
		return echo.ExtractIPDirect()
	}

	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
