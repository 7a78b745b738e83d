// Package middleware holds the HTTP cross-cutting layers: correlation ids
// and per-tenant rate limiting.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderCorrelationID is the request/response correlation header.
const HeaderCorrelationID = "X-Correlation-ID"

type correlationKey struct{}

// Correlation ensures every request carries a correlation id, echoes it on
// the response, and stores it in the request context.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID extracts the request's correlation id, empty when the
// middleware did not run.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
