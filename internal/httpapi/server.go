// Package httpapi exposes the provider's read API and monitoring
// endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/integration"
)

// Server wraps the HTTP listener around the integration service.
type Server struct {
	cfg config.ServerConfig
	log zerolog.Logger
	svc *integration.Service
	srv *http.Server
}

func NewServer(cfg config.ServerConfig, svc *integration.Service, logger zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: logger.With().Str("component", "httpapi").Logger(),
		svc: svc,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	r.HandleFunc("/prices/{category}/{base}/{quote}", s.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/volumes", s.handleAllVolumes).Methods(http.MethodGet)
	r.HandleFunc("/volumes/{category}/{base}/{quote}", s.handleVolumes).Methods(http.MethodGet)
	r.HandleFunc("/patterns", s.handlePatterns).Methods(http.MethodGet)
	if !cfg.MetricsDisabled {
		r.Handle("/metrics", promhttp.HandlerFor(
			svc.Metrics().Prometheus(),
			promhttp.HandlerOpts{},
		)).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start runs the listener until Shutdown. http.ErrServerClosed is
// swallowed; anything else is a real failure.
func (s *Server) Start() error {
	s.log.Info().Str("listen", s.cfg.Listen).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	shutCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.GetSystemHealth()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.Feeds()
	results := s.svc.GetValues(r.Context(), ids)

	type entry struct {
		Feed  string                `json:"feed"`
		Price *feed.AggregatedPrice `json:"price,omitempty"`
		Error string                `json:"error,omitempty"`
	}
	out := make([]entry, len(results))
	for i, res := range results {
		out[i] = entry{Feed: res.Feed.String()}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		} else {
			out[i].Price = res.Price
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.feedFromPath(w, r)
	if !ok {
		return
	}

	price, err := s.svc.GetValue(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.feedFromPath(w, r)
	if !ok {
		return
	}
	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	volumes, err := s.svc.GetVolumes(id, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, volumes)
}

func (s *Server) handleAllVolumes(w http.ResponseWriter, r *http.Request) {
	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	results := s.svc.GetAllVolumes(s.svc.Feeds(), window)

	type entry struct {
		Feed     string             `json:"feed"`
		WindowMs int64              `json:"window_ms"`
		Volumes  map[string]float64 `json:"volumes,omitempty"`
		Error    string             `json:"error,omitempty"`
	}
	out := make([]entry, len(results))
	for i, res := range results {
		out[i] = entry{Feed: res.Feed.String(), WindowMs: window.Milliseconds()}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		} else {
			out[i].Volumes = res.Window.Volumes
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// windowFromQuery parses the optional trailing-window override,
// defaulting to one hour.
func (s *Server) windowFromQuery(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
			return 0, false
		}
		window = d
	}
	return window, true
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Warmer().Patterns())
}

func (s *Server) feedFromPath(w http.ResponseWriter, r *http.Request) (feed.ID, bool) {
	vars := mux.Vars(r)
	cat, err := feed.ParseCategory(vars["category"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return feed.ID{}, false
	}
	name := strings.ToUpper(vars["base"] + "/" + vars["quote"])
	id, err := feed.NewID(cat, name)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return feed.ID{}, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrFeedUnknown):
		code = http.StatusNotFound
	case errors.Is(err, feed.ErrNoUpdates),
		errors.Is(err, feed.ErrNoValidData),
		errors.Is(err, feed.ErrInsufficientSources):
		// No consensus yet; the client should retry shortly.
		code = http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrCircuitOpen):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}
