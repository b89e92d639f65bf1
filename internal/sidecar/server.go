// Package sidecar is the HTTP side of the preload helper process. It runs
// the in-process preload against the shared cache file on request.
package sidecar

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	mw "github.com/edvin/vmcache/internal/api/middleware"
	"github.com/edvin/vmcache/internal/api/request"
	"github.com/edvin/vmcache/internal/api/response"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/preload"
)

// Preloader runs one preload with explicit credentials.
type Preloader interface {
	RunLocal(ctx context.Context, creds model.Credentials) (preload.Report, error)
}

type preloadBody struct {
	SecretID      string `json:"secret_id" validate:"required"`
	SecretKey     string `json:"secret_key" validate:"required"`
	DefaultRegion string `json:"default_region" validate:"omitempty,region"`
}

type Server struct {
	router    chi.Router
	logger    zerolog.Logger
	preloader Preloader

	// Preloads are serialized; a second request waits for the first.
	mu sync.Mutex
}

func NewServer(logger zerolog.Logger, p Preloader) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With().Str("component", "sidecar").Logger(),
		preloader: p,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/preload_all", s.handlePreloadAll)
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreloadAll(w http.ResponseWriter, r *http.Request) {
	var body preloadBody
	if err := request.Decode(r, &body); err != nil {
		response.WriteJSON(w, http.StatusBadRequest, preload.PreloadResponse{Success: false, Message: err.Error()})
		return
	}
	if body.DefaultRegion == "" {
		body.DefaultRegion = model.DefaultRegion
	}
	creds := model.Credentials{SecretID: body.SecretID, SecretKey: body.SecretKey, Region: body.DefaultRegion}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info().Str("region", creds.Region).Msg("preload requested")
	rep, err := s.preloader.RunLocal(r.Context(), creds)
	if err != nil {
		s.logger.Error().Err(err).Msg("preload failed")
		response.WriteJSON(w, http.StatusOK, preload.PreloadResponse{Success: false, Message: err.Error()})
		return
	}
	response.WriteJSON(w, http.StatusOK, preload.PreloadResponse{Success: true, Message: rep.Message})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
