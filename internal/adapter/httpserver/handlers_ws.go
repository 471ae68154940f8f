package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/platform/correlation"
	apperrors "github.com/Ciach0/nerimity-server/internal/platform/errors"
	"github.com/Ciach0/nerimity-server/internal/ratelimit"
	"github.com/labstack/echo/v4"
)

// handleWebSocket upgrades the request to a live connection and serves it until the
// client goes away. Admission runs before the upgrade so refused clients get a plain
// HTTP error.
func (s *Server) handleWebSocket(c echo.Context) error {
	if _, err := s.admit(c, ratelimit.ConnectGlobal); err != nil {
		s.metrics.Broadcast.ConnectionsDenied.WithLabelValues("admission_global").Inc()
		return err
	}
	if _, err := s.admit(c, ratelimit.ConnectByIP); err != nil {
		s.metrics.Broadcast.ConnectionsDenied.WithLabelValues("admission_ip").Inc()
		return err
	}

	ip := ratelimit.NormalizeIP(c.RealIP())
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		s.metrics.Broadcast.ConnectionsDenied.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("server at connection capacity", nil)
		}
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many connections")
	}
	defer s.limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.Debug("WebSocket upgrade failed", "remote_addr", c.Request().RemoteAddr, "error", err)
		return nil
	}

	client := broadcast.NewClient(conn, userIDFrom(c), s.clock, s.metrics.Broadcast)
	ctx := correlation.WithConnID(c.Request().Context(), client.ID())

	if err := s.app.Connect(ctx, client); err != nil {
		slog.ErrorContext(ctx, "Failed to connect client", "user_id", client.UserID(), "error", err)
		client.CloseGraceful("connect failed")
		return nil
	}
	slog.InfoContext(ctx, "Client connected", "user_id", client.UserID(), "remote_ip", ip)

	client.ReadLoop(nil)

	s.app.Disconnect(client)
	slog.InfoContext(ctx, "Client disconnected", "user_id", client.UserID())
	return nil
}
