package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController so the
// websocket upgrade can hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type logFieldsKey struct{}

// logFields is filled in by inner middleware so the outer request log can
// name the caller.
type logFields struct {
	requestID string
	userID    string
}

func setLogUser(ctx context.Context, userID string) {
	if f, ok := ctx.Value(logFieldsKey{}).(*logFields); ok {
		f.userID = userID
	}
}

// RequestID returns the ID RequestLogger assigned to the request, or "".
func RequestID(ctx context.Context) string {
	if f, ok := ctx.Value(logFieldsKey{}).(*logFields); ok {
		return f.requestID
	}
	return ""
}

// RequestLogger logs one line per request. The level follows the status:
// 5xx is an error, 4xx a warning. An incoming X-Request-ID is reused,
// otherwise one is generated; either way it is echoed on the response.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := &logFields{requestID: r.Header.Get(requestIDHeader)}
			if fields.requestID == "" || len(fields.requestID) > 64 {
				fields.requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, fields.requestID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), logFieldsKey{}, fields)))

			attrs := []slog.Attr{
				slog.String("request_id", fields.requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", RealIP(r)),
			}
			if fields.userID != "" {
				attrs = append(attrs, slog.String("user_id", fields.userID))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}
