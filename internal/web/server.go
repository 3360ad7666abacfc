// Package web serves the upload form and the upload endpoint over HTTP, and
// adapts the same router to API Gateway events when running in Lambda.
package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stefando/videoupload/internal/auth"
	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/upload"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Options configures the router.
type Options struct {
	Service *upload.Service
	// Verifier protects POST /upload when set.
	Verifier auth.Verifier
	// Gatherer is exposed on /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter creates and configures the chi router.
func NewRouter(opts Options) http.Handler {
	h := &handler{svc: opts.Service}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", h.index)
	r.Group(func(r chi.Router) {
		if opts.Verifier != nil {
			r.Use(auth.Middleware(opts.Verifier))
		}
		r.Post("/upload", h.upload)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// requestLogger puts a request-scoped zerolog logger into the context and
// logs every request once it is served.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		l := logger.Ctx(r.Context()).With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Logger()
		r = r.WithContext(logger.WithLogger(r.Context(), &l))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}
