package httpserver

import (
	"fmt"
	"net/http"

	"github.com/Ciach0/nerimity-server/internal/app"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/correlation"
	"github.com/Ciach0/nerimity-server/internal/ratelimit"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", requireUser)
	api.POST("/servers/:serverID/channels/:channelID/messages", s.handleSendServerMessage)
	api.POST("/users/:userID/messages", s.handleSendDirectMessage)
	api.POST("/servers/:serverID/join", s.handleJoinServer)
	api.POST("/servers/:serverID/leave", s.handleLeaveServer)
	api.POST("/servers/:serverID/members/:userID/roles", s.handleUpdateMemberRoles)
}

type sendMessageRequest struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
	Nonce    string   `json:"nonce"`
}

type messageResponse struct {
	Message     *domain.Message `json:"message"`
	RateLimited bool            `json:"rateLimited,omitempty"`
}

type updateRolesRequest struct {
	RoleIDs []string `json:"roleIds"`
}

func (s *Server) handleSendServerMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return HandleValidationError(c, "invalid request body")
	}

	decision, err := s.admit(c, ratelimit.MessageCreate)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	origin, _ := correlation.ConnID(ctx)
	msg, err := s.app.SendServerMessage(ctx, app.ServerMessageInput{
		AuthorID:     userIDFrom(c),
		ServerID:     c.Param("serverID"),
		ChannelID:    c.Param("channelID"),
		Content:      req.Content,
		Mentions:     req.Mentions,
		Nonce:        req.Nonce,
		OriginConnID: origin,
		RateLimited:  decision.Limited(),
	})
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusCreated, messageResponse{Message: msg, RateLimited: decision.Limited()}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSendDirectMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return HandleValidationError(c, "invalid request body")
	}

	decision, err := s.admit(c, ratelimit.MessageCreate)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	origin, _ := correlation.ConnID(ctx)
	msg, err := s.app.SendDirectMessage(ctx, app.DirectMessageInput{
		AuthorID:     userIDFrom(c),
		RecipientID:  c.Param("userID"),
		Content:      req.Content,
		Nonce:        req.Nonce,
		OriginConnID: origin,
		RateLimited:  decision.Limited(),
	})
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusCreated, messageResponse{Message: msg, RateLimited: decision.Limited()}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleJoinServer(c echo.Context) error {
	if _, err := s.admit(c, ratelimit.ServerJoin); err != nil {
		return err
	}

	ms, err := s.app.JoinServer(c.Request().Context(), c.Param("serverID"), userIDFrom(c))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, app.ServerJoinedPayload{Server: ms.Server, Member: ms.Member}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLeaveServer(c echo.Context) error {
	if _, err := s.admit(c, ratelimit.ServerLeave); err != nil {
		return err
	}

	if err := s.app.LeaveServer(c.Request().Context(), c.Param("serverID"), userIDFrom(c)); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUpdateMemberRoles(c echo.Context) error {
	var req updateRolesRequest
	if err := c.Bind(&req); err != nil {
		return HandleValidationError(c, "invalid request body")
	}

	if _, err := s.admit(c, ratelimit.MemberUpdate); err != nil {
		return err
	}

	member, err := s.app.UpdateMemberRoles(c.Request().Context(), c.Param("serverID"), userIDFrom(c), c.Param("userID"), req.RoleIDs)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, member); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
