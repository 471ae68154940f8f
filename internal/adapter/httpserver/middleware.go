package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/correlation"
	apperrors "github.com/Ciach0/nerimity-server/internal/platform/errors"
	"github.com/Ciach0/nerimity-server/internal/ratelimit"
	"github.com/labstack/echo/v4"
)

const (
	headerUserID        = "X-User-ID"
	headerConnectionID  = "X-Connection-ID"
	headerCorrelationID = "X-Correlation-ID"
	contextKeyUserID    = "userID"
)

// correlationMiddleware attaches a correlation ID and, when the caller names one, the
// originating live connection to the request context.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(headerCorrelationID)
		if id == "" || len(id) > 64 {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		if connID := strings.TrimSpace(c.Request().Header.Get(headerConnectionID)); connID != "" {
			ctx = correlation.WithConnID(ctx, connID)
		}
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(headerCorrelationID, id)
		return next(c)
	}
}

// requireUser reads the caller identity set by the upstream auth layer.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.Request().Header.Get(headerUserID))
		if userID == "" {
			return apperrors.UnauthorizedError("missing user identity")
		}
		c.Set(contextKeyUserID, userID)
		return next(c)
	}
}

func userIDFrom(c echo.Context) string {
	userID, _ := c.Get(contextKeyUserID).(string)
	return userID
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return HandleError(c, WrapHTTPError(httpErr))
			}

			return HandleError(c, err)
		}
	}
}

// toAppError maps domain errors to structured errors. Anything unknown becomes internal.
func toAppError(err error) *apperrors.Error {
	var structured *apperrors.Error
	if errors.As(err, &structured) {
		return structured
	}

	var quota *domain.QuotaExceededError
	if errors.As(err, &quota) {
		return apperrors.RateLimitedError("too many requests", quota.RetryAfter).
			WithContext("ttl", ratelimit.RetryAfterMillis(quota.RetryAfter)).
			WithContext("action", quota.Action)
	}

	switch {
	case errors.Is(err, domain.ErrCounterStoreUnavailable):
		return apperrors.UnavailableError("rate limiting temporarily unavailable", err)
	case errors.Is(err, domain.ErrMissingIdentity):
		return apperrors.UnauthorizedError("missing caller identity")
	case errors.Is(err, domain.ErrServerNotFound):
		return apperrors.NotFoundError("server not found")
	case errors.Is(err, domain.ErrChannelNotFound):
		return apperrors.NotFoundError("channel not found")
	case errors.Is(err, domain.ErrUserNotFound):
		return apperrors.NotFoundError("user not found")
	case errors.Is(err, domain.ErrNotMember):
		return apperrors.ForbiddenError("not a member of this server")
	case errors.Is(err, domain.ErrNotPermitted):
		return apperrors.ForbiddenError("missing permission")
	case errors.Is(err, domain.ErrAlreadyMember):
		return apperrors.ConflictError("already a member of this server")
	case errors.Is(err, domain.ErrCreatorCannotLeave):
		return apperrors.ConflictError("the server creator cannot leave the server")
	case errors.Is(err, domain.ErrEmptyMessage):
		return apperrors.ValidationError("message content is required")
	case errors.Is(err, domain.ErrMessageTooLong):
		return apperrors.ValidationError(fmt.Sprintf("message content exceeds %d characters", domain.MaxMessageLength))
	}

	return apperrors.AsStructuredError(err)
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if userID := userIDFrom(c); userID != "" {
		attrs = append(attrs, "user_id", userID)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Access denied", attrs...)
	case apperrors.TypeRateLimited:
		slog.InfoContext(ctx, "Rate limited", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.WarnContext(ctx, "Dependency unavailable", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := toAppError(err)
	logError(c, structuredErr)

	if structuredErr.Type == apperrors.TypeRateLimited {
		if ttl, ok := structuredErr.Context["ttl"].(int64); ok {
			c.Response().Header().Set("Retry-After", retryAfterSeconds(time.Duration(ttl)*time.Millisecond))
		}
	}

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func HandleValidationError(c echo.Context, message string) error {
	return HandleError(c, apperrors.ValidationError(message))
}

// retryAfterSeconds rounds d up to whole seconds, never less than 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := "internal server error"
	if httpErr.Message != nil {
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		errType = apperrors.TypeUnauthorized
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound:
		errType = apperrors.TypeNotFound
	case http.StatusConflict:
		errType = apperrors.TypeConflict
	case http.StatusTooManyRequests:
		errType = apperrors.TypeRateLimited
	case http.StatusBadGateway:
		errType = apperrors.TypeExternal
	case http.StatusServiceUnavailable:
		errType = apperrors.TypeUnavailable
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]any),
	}

	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}

	return err
}
