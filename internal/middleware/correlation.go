package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	CorrelationHeader = "X-Correlation-ID"

	correlationKey     contextKey = "correlation_id"
	maxCorrelationSize            = 128
)

// CorrelationID propagates the caller's correlation id, or generates one.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(CorrelationHeader, id)
		r.Header.Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// validCorrelationID accepts printable ASCII only; the id ends up in a
// session setting and in log fields.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationSize {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
