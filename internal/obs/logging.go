package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns a stdout logger. format is "json" (default) or "console".
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).Hook(TraceHook{}).With().Timestamp().Logger()
}

// TraceHook stamps trace_id and span_id on events whose context carries a
// recording span. Loggers pick the context up through With().Ctx or Event.Ctx.
type TraceHook struct{}

// Run implements zerolog.Hook.
func (TraceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	sc := trace.SpanContextFromContext(e.GetCtx())
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
}

// RequestLogger writes one "http_request" line per request and hands a
// request-scoped child logger to handlers through zerolog.Ctx.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware implements chi middleware.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := l.Logger.With().
			Ctx(r.Context()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Logger()

		sw := wrapWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(reqLogger.WithContext(r.Context())))

		var evt *zerolog.Event
		switch {
		case sw.status >= http.StatusInternalServerError:
			evt = reqLogger.Error()
		case sw.status >= http.StatusBadRequest:
			evt = reqLogger.Warn()
		default:
			evt = reqLogger.Info()
		}
		route := routePattern(r)
		if route == "" {
			route = r.URL.Path
		}
		evt.Str("method", r.Method).
			Str("route", route).
			Int("status", sw.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", sw.bytes).
			Str("remote_addr", r.RemoteAddr).
			Msg("http_request")
	})
}
