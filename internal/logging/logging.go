package logging

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/config"
)

func Init(cfg config.LogConfig) {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = newLogger(output, cfg.SampleEvery)
	zerolog.DefaultContextLogger = &log.Logger
}

// newLogger samples debug and info lines only; warnings and errors are
// always written.
func newLogger(out io.Writer, sampleEvery int) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Str("service", "settlement-engine").Logger()
	if sampleEvery > 1 {
		s := &zerolog.BasicSampler{N: uint32(sampleEvery)}
		logger = logger.Sample(zerolog.LevelSampler{DebugSampler: s, InfoSampler: s})
	}
	return logger
}

// Middleware assigns a request id, writes one access log line per request
// to out and attaches a zerolog logger carrying the request id to the
// request context for handlers.
func Middleware(out io.Writer) func(http.Handler) http.Handler {
	access := httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{})),
		&httplog.Options{
			Level:              slog.LevelInfo,
			Schema:             httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
			LogRequestBody:     func(*http.Request) bool { return false },
			LogResponseBody:    func(*http.Request) bool { return false },
			LogRequestHeaders:  []string{},
			LogResponseHeaders: []string{},
			LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
				rc := chi.RouteContext(req.Context())
				route := req.URL.Path
				if rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				return []slog.Attr{
					slog.String("request_id", chimw.GetReqID(req.Context())),
					slog.String("method", req.Method),
					slog.String("route", route),
					slog.String("path", req.URL.Path),
				}
			},
		},
	)
	return func(next http.Handler) http.Handler {
		return chimw.RequestID(access(withLogger(next)))
	}
}

func withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := log.With().Str("request_id", chimw.GetReqID(r.Context())).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}
