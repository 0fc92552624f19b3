package apperrors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON body written for a failed request.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Kind      string         `json:"kind"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindDomain:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes err as a structured JSON response. Fatal and unclassified
// errors are logged with their full cause and reported to the client with a
// generic message.
func WriteHTTP(w http.ResponseWriter, logger *zap.Logger, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Fatal(CodeInternal, "internal error", err)
	}

	status := HTTPStatus(appErr.Kind)
	switch appErr.Code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeUnauthenticated:
		status = http.StatusUnauthorized
	}
	resp := ErrorResponse{
		Error:     appErr.Message,
		Code:      appErr.Code,
		Kind:      appErr.Kind.String(),
		Retryable: appErr.Retryable(),
		Details:   appErr.Details,
		RequestID: requestID,
	}

	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.String("code", appErr.Code),
			zap.String("kind", appErr.Kind.String()),
			zap.String("request_id", requestID),
			zap.Any("details", appErr.Details),
			zap.Error(err))
	}
	if appErr.Kind == KindFatal {
		resp.Details = nil
	}

	w.Header().Set("Content-Type", "application/json")
	if appErr.Kind == KindTransient {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
