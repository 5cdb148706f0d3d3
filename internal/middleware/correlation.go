package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type key int

const (
	CorrelationKey key = iota
	TenantKey
	JobKey
)

const correlationHeader = "X-Correlation-ID"

func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := WithCorrelationID(r.Context(), id)
		w.Header().Set(correlationHeader, id)

		slog.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path) // #nosec G706 -- r.URL.Path is parsed by Go's net/http
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start)) // #nosec G706
	})
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}
