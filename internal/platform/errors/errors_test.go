package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("invalid input"), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("missing user"), TypeUnauthorized, http.StatusUnauthorized},
		{"forbidden", ForbiddenError("not a member"), TypeForbidden, http.StatusForbidden},
		{"not found", NotFoundError("server not found"), TypeNotFound, http.StatusNotFound},
		{"conflict", ConflictError("already joined"), TypeConflict, http.StatusConflict},
		{"rate limited", RateLimitedError("slow down", time.Second), TypeRateLimited, http.StatusTooManyRequests},
		{"unavailable", UnavailableError("store down", cause), TypeUnavailable, http.StatusServiceUnavailable},
		{"internal", InternalError("failed", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("upstream", cause), TypeExternal, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestRateLimitedError_TTLInMilliseconds(t *testing.T) {
	err := RateLimitedError("quota exceeded", 1500*time.Millisecond)

	resp := err.ToResponse()
	assert.Equal(t, int64(1500), resp.Context["ttl"])
	assert.Equal(t, TypeRateLimited, resp.Type)
	assert.Equal(t, "quota exceeded", resp.Error)
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := UnavailableError("store down", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithContext(t *testing.T) {
	err := NotFoundError("server not found").
		WithContext("server_id", "s1").
		WithContext("user_id", "u1")

	assert.Equal(t, "s1", err.Context["server_id"])
	assert.Equal(t, "u1", err.Context["user_id"])

	bare := &Error{Type: TypeConflict}
	bare.WithContext("k", "v")
	assert.Equal(t, "v", bare.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	structured := ConflictError("already joined")
	wrapped := fmt.Errorf("join failed: %w", structured)
	assert.Same(t, structured, AsStructuredError(wrapped))

	plain := errors.New("oops")
	converted := AsStructuredError(plain)
	require.NotNil(t, converted)
	assert.Equal(t, TypeInternal, converted.Type)
	assert.ErrorIs(t, converted, plain)
}
