package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/api/handler"
	mw "github.com/edvin/vmcache/internal/api/middleware"
	"github.com/edvin/vmcache/internal/core"
)

type Server struct {
	router chi.Router
	logger zerolog.Logger
	mgr    *core.Manager
}

func NewServer(logger zerolog.Logger, mgr *core.Manager) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
		mgr:    mgr,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		instance := handler.NewInstance(s.mgr)
		r.Get("/instances", instance.List)
		r.Post("/instances", instance.Create)
		r.Post("/instances/start", instance.Start)
		r.Post("/instances/stop", instance.Stop)
		r.Post("/instances/terminate", instance.Terminate)
		r.Post("/instances/reset-password", instance.ResetPassword)
		r.Post("/instances/command", instance.Command)
		r.Post("/price", instance.Price)

		region := handler.NewRegion(s.mgr)
		r.Get("/regions", region.List)
		r.Get("/regions/{region}/zones", region.Zones)
		r.Get("/regions/{region}/images", region.Images)

		image := handler.NewImage(s.mgr)
		r.Post("/images", image.Create)
		r.Get("/invocations", image.Invocations)

		settings := handler.NewSettings(s.mgr)
		r.Get("/settings", settings.Get)
		r.Patch("/settings", settings.Update)
		r.Post("/settings/validate", settings.Validate)

		tasks := handler.NewTask(s.mgr)
		r.Get("/tasks", tasks.List)
		r.Get("/tasks/{id}", tasks.Get)
		r.Get("/watch", tasks.Watch)
		r.Get("/snapshot", tasks.Snapshot)
		r.Post("/sync", tasks.Sync)
		r.Post("/preload", tasks.Preload)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.mgr.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
