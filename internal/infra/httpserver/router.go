package httpserver

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-compliance/internal/application/orchestration"
	"github.com/bryanwahyu/automaton-compliance/internal/application/reaper"
	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/metrics"
	"github.com/bryanwahyu/automaton-compliance/internal/middleware"
)

type Config struct {
	// APIKeys maps tenant id to API key.
	APIKeys        map[string]string
	AdminKey       string
	CORSOrigins    []string
	PollInterval   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

type Deps struct {
	Service *appscans.Service
	Runtime *orchestration.Runtime
	Reaper  *reaper.Reaper
	Metrics *metrics.Metrics
	Health  map[string]middleware.HealthChecker
}

type Router struct {
	log      logrus.FieldLogger
	cfg      Config
	scansSvc *appscans.Service
	rt       *orchestration.Runtime
	reaper   *reaper.Reaper
	upgrader websocket.Upgrader
}

func NewRouter(log logrus.FieldLogger, cfg Config, deps Deps) http.Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	r := &Router{
		log:      log,
		cfg:      cfg,
		scansSvc: deps.Service,
		rt:       deps.Runtime,
		reaper:   deps.Reaper,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.CORSOrigins),
		},
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	if deps.Metrics != nil {
		mux.Use(middleware.MetricsMiddleware(deps.Metrics))
	}
	mux.Use(middleware.LoggingMiddleware(log))
	if len(cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         300,
		}))
	}

	mux.Get("/health", middleware.LivenessHandler)
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.HealthHandler(deps.Health))
	if deps.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Called by the checker. No API key: the scan id acts as a capability token,
	// so anyone who knows a live scan id can post progress for it.
	mux.With(middleware.RateLimitMiddleware(limiter)).
		Post("/webhook/progress/{scanId}", r.wrap(r.handleWebhook))

	if r.reaper != nil {
		mux.Route("/v1/admin", func(rt chi.Router) {
			rt.Use(middleware.AdminAuth(cfg.AdminKey))
			rt.Post("/reaper/sweep", r.wrap(r.handleReaperSweep))
		})
	}

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(cfg.APIKeys))
		rt.Use(middleware.RequireTenant)
		rt.Use(middleware.RateLimitMiddleware(limiter))

		rt.Post("/scans", r.wrap(r.handleStartScan))
		rt.Post("/scans/local", r.wrap(r.handleStartLocal))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/status", r.wrap(r.handleStatus))
		rt.Get("/scans/{id}/results", r.wrap(r.handleResults))
		rt.Get("/scans/{id}/errors", r.wrap(r.handleErrors))
		rt.Delete("/scans/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/stream/{id}", r.wrap(r.handlePollStream))
		rt.Get("/ws/{id}", r.wrap(r.handlePushStream))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			r.writeErr(w, req, err)
		}
	}
}

func (r *Router) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case domain.IsBrokerUnavailable(err):
		middleware.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.log.WithError(err).WithField("path", req.URL.Path).Error("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// POST /v1/admin/reaper/sweep
func (r *Router) handleReaperSweep(w http.ResponseWriter, req *http.Request) error {
	ids, err := r.reaper.Sweep(req.Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []domain.ScanID{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"reaped": ids, "count": len(ids)})
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		// gorilla default: same origin only
		return nil
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}
