// Package middleware provides HTTP middleware components for the custodian API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type requestLogKey struct{}

// requestLog carries what inner handlers learn about a request (who called
// and which error code was returned) out to the access log line.
type requestLog struct {
	subject   string
	role      string
	errorCode string
}

func requestLogFrom(ctx context.Context) *requestLog {
	rl, _ := ctx.Value(requestLogKey{}).(*requestLog)
	return rl
}

// SetSubject records the authenticated subject and role for the request log.
func SetSubject(ctx context.Context, subject, role string) {
	if rl := requestLogFrom(ctx); rl != nil {
		rl.subject = subject
		rl.role = role
	}
}

// SetErrorCode records the envelope error code for the request log. It is a
// no-op outside Logging.
func SetErrorCode(ctx context.Context, code string) {
	if rl := requestLogFrom(ctx); rl != nil {
		rl.errorCode = code
	}
}

// statusRecorder remembers the first status written and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.status = code
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// NewLogger returns a JSON logger at info level for production and a debug
// text logger for every other environment.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one access log line per request. 5xx responses log at
// error, 4xx at warn with their error_code, everything else at info.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &requestLog{}
			r = r.WithContext(context.WithValue(r.Context(), requestLogKey{}, rl))
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rec.bytes),
			}
			if id := GetRequestID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if id := GetTraceID(r); id != "" {
				attrs = append(attrs, slog.String("trace_id", id))
			}
			if rl.subject != "" {
				attrs = append(attrs, slog.String("subject", rl.subject), slog.String("role", rl.role))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}
			if rec.status >= 400 && rl.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", rl.errorCode))
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
