package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriteHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", Validation(CodeInvalidRequest, "bad"), http.StatusBadRequest},
		{"authorization", Authorization(CodeCapabilityMissing, "no"), http.StatusForbidden},
		{"unauthenticated", Authorization(CodeUnauthenticated, "who"), http.StatusUnauthorized},
		{"conflict", Conflict(CodeIdempotencyReused, "reused"), http.StatusConflict},
		{"domain", Domain(CodeInsufficientBalance, "short"), http.StatusUnprocessableEntity},
		{"not found", Domain(CodeNotFound, "missing"), http.StatusNotFound},
		{"transient", Transient(CodeLockTimeout, "busy", nil), http.StatusServiceUnavailable},
		{"fatal", Fatal(CodeInternal, "boom", nil), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteHTTP(w, zap.NewNop(), "req-1", tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "req-1", resp.RequestID)
			assert.NotEmpty(t, resp.Code)
		})
	}
}

func TestWriteHTTPTransientSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHTTP(w, nil, "", Transient(CodeLockTimeout, "lock wait exceeded", nil))

	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)
	assert.Equal(t, "transient", resp.Kind)
}

func TestWriteHTTPHidesFatalDetails(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	err := Fatal(CodeConstraintViolation, "constraint violated", errors.New("pq: duplicate key")).
		WithDetail("constraint", "ledger_entries_pkey")

	w := httptest.NewRecorder()
	WriteHTTP(w, zap.New(core), "req-2", err)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Details)
	assert.NotContains(t, w.Body.String(), "duplicate key")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "request failed", logs.All()[0].Message)
}

func TestWriteHTTPKeepsClientDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteHTTP(w, zap.NewNop(), "", Domain(CodeLimitExceeded, "over limit").WithDetail("limit", 500))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(500), resp.Details["limit"])
	assert.False(t, resp.Retryable)
}
