package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/manager"
	"github.com/telluric-io/tern/pkg/metrics"
)

// Server is the HTTP front of one tern node.
type Server struct {
	cfg    config.Config
	engine *manager.Engine
	router *chi.Mux
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router and handlers.
func NewServer(cfg config.Config, engine *manager.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		router: chi.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Prefer"},
	}))
	s.router.Use(s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/", s.landing)
	s.router.Get("/conformance", s.conformance)
	s.router.Get("/health", s.health)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/processes", func(r chi.Router) {
		r.Get("/", s.listProcesses)
		r.Post("/", s.deployProcess)
		r.Get("/{id}", s.describeProcess)
		r.Put("/{id}", s.replaceProcess)
		r.Delete("/{id}", s.undeployProcess)
		r.Post("/{id}/execution", s.executeProcess)
	})

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.jobStatus)
		r.Delete("/{id}", s.dismissJob)
		r.Get("/{id}/inputs", s.jobInputs)
		r.Get("/{id}/inputs/*", s.jobInputFile)
		r.Get("/{id}/results", s.jobResults)
		r.Get("/{id}/outputs", s.jobOutputs)
		r.Get("/{id}/outputs/*", s.jobOutputFile)
		r.Get("/{id}/logs", s.jobLogs)
		r.Get("/{id}/exceptions", s.jobExceptions)
	})

	s.router.Route("/providers", func(r chi.Router) {
		r.Get("/", s.listProviders)
		r.Post("/", s.registerProvider)
		r.Delete("/{id}", s.unregisterProvider)
		r.Get("/{id}/processes", s.providerProcesses)
		r.Get("/{id}/processes/{pid}", s.providerDescribe)
	})

	s.router.Route("/quotations", func(r chi.Router) {
		r.Get("/", s.listQuotes)
		r.Get("/{id}", s.getQuote)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured bind address until the server is stopped.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.BindAddr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) landing(w http.ResponseWriter, r *http.Request) {
	base := s.cfg.PublicBaseURL
	writeJSON(w, http.StatusOK, map[string]any{
		"title":       "tern processing engine",
		"description": "OGC API — Processes over Application Packages",
		"links": []link{
			{Href: base + "/", Rel: "self", Type: "application/json"},
			{Href: base + "/conformance", Rel: "http://www.opengis.net/def/rel/ogc/1.0/conformance", Type: "application/json"},
			{Href: base + "/processes", Rel: "http://www.opengis.net/def/rel/ogc/1.0/processes", Type: "application/json"},
			{Href: base + "/jobs", Rel: "http://www.opengis.net/def/rel/ogc/1.0/job-list", Type: "application/json"},
		},
	})
}

func (s *Server) conformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conformsTo": []string{
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/core",
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/ogc-process-description",
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/json",
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/job-list",
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/dismiss",
			"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/callbacks",
			"http://www.opengis.net/spec/ogcapi-processes-2/1.0/conf/deploy-replace-undeploy",
		},
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"queueDepth": s.engine.QueueDepth(),
	})
}

// observe records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel,omitempty"`
	Type string `json:"type,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a fault kind onto the OGC exception document and status.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(fault.KindOf(err))
	writeJSON(w, status, map[string]any{
		"type":   string(fault.KindOf(err)),
		"title":  fault.Summary(err),
		"status": status,
	})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation, fault.KindIOReconcile:
		return http.StatusUnprocessableEntity
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindPolicy:
		return http.StatusForbidden
	case fault.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
