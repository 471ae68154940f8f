package httpserver

import (
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/labstack/echo/v4"
)

const headerRateLimited = "X-RateLimit-Limited"

// admit runs the admission check for rule on behalf of the caller. A non-nil error means
// the request must stop. Passthrough rejections are flagged on the response so clients can
// slow down.
func (s *Server) admit(c echo.Context, rule domain.Rule) (domain.Decision, error) {
	subject := domain.Subject{UserID: userIDFrom(c), IP: c.RealIP()}

	decision, err := s.admission.Admit(c.Request().Context(), rule, subject)
	if err != nil {
		return decision, err
	}
	if decision.Limited() {
		c.Response().Header().Set(headerRateLimited, "true")
	}
	return decision, nil
}
