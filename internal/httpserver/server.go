package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/internal/hub"
	"github.com/EchoPBX/echohost/internal/jwt"
	"github.com/EchoPBX/echohost/internal/plugins"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Version is reported by /v1/info; set at build time.
var Version = "dev"

const sourceAPI = "api"

type Server struct {
	cfg     atomic.Pointer[config.Config]
	log     *zap.Logger
	hub     *hub.Hub
	r       *chi.Mux
	jwt     *jwt.Validator
	started time.Time
}

func New(cfg *config.Config, log *zap.Logger, h *hub.Hub) (*Server, error) {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	if !v.Enabled() {
		log.Warn("admin API has no jwt keys configured, running without auth")
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s := &Server{log: log, hub: h, r: r, jwt: v, started: time.Now()}
	s.cfg.Store(cfg)
	s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler      { return s.r }
func (s *Server) Reload(cfg *config.Config) { s.cfg.Store(cfg) }
func (s *Server) config() *config.Config    { return s.cfg.Load() }

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.r.Handle("/metrics", s.hub.Metrics.Handler())

	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/info", s.info)
		r.Get("/plugins", s.listPlugins)
		r.Post("/plugins", s.loadPlugin)
		r.Delete("/plugins/{name}", s.unloadPlugin)
		r.Get("/state", s.stateKeys)
		r.Get("/state/{key}", s.getState)
		r.Put("/state/{key}", s.setState)
		r.Post("/events", s.emit)
	})
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.config()
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port),
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		var err error
		if cfg.HTTP.TLS.Enabled {
			err = httpSrv.ListenAndServeTLS(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	s.log.Info("admin API listening", zap.String("addr", httpSrv.Addr), zap.Bool("tls", cfg.HTTP.TLS.Enabled))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.jwt.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		tok = strings.TrimPrefix(tok, "Bearer ")
		if _, err := s.jwt.Verify(tok); err != nil {
			s.log.Debug("token rejected", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "echohost",
		"version": Version,
		"time":    time.Now().UTC(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"plugins": len(s.hub.Plugins.List()),
		"owners":  s.hub.Scheduler.Owners(),
		"dir":     s.config().Plugins.Dir,
	})
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Plugins.List())
}

type loadRequest struct {
	Path   string         `json:"path"`
	Config map[string]any `json:"config,omitempty"`
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "body must be {\"path\": ...}", http.StatusBadRequest)
		return
	}
	name, err := s.hub.Plugins.LoadWithConfig(r.Context(), req.Path, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, _ := s.hub.Plugins.Get(name)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Plugins.Unload(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stateKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.State.Keys())
}

// missing marks an unset key in getState.
var missing = new(byte)

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v := s.hub.State.Get(key, missing)
	if v == missing {
		http.Error(w, "no such key", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

type setRequest struct {
	Value  any    `json:"value"`
	Source string `json:"source,omitempty"`
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "body must be {\"value\": ...}", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = sourceAPI
	}
	out := s.hub.State.Set(r.Context(), chi.URLParam(r, "key"), req.Value, req.Source)
	writeJSON(w, http.StatusOK, summarize(out))
}

type emitRequest struct {
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
	Source string         `json:"source,omitempty"`
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "body must be {\"type\": ...}", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = sourceAPI
	}
	out := s.hub.Bus.Emit(r.Context(), sdk.NewEvent(req.Type, req.Data, req.Source))
	writeJSON(w, http.StatusAccepted, summarize(out))
}

type fanoutSummary struct {
	Handlers int      `json:"handlers"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func summarize(out sdk.Outcomes) fanoutSummary {
	failed := out.Failed()
	sum := fanoutSummary{Handlers: len(out), Failed: len(failed)}
	for _, f := range failed {
		sum.Errors = append(sum.Errors, f.Err.Error())
	}
	return sum
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, plugins.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, plugins.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, plugins.ErrValidation):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, plugins.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
