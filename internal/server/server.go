// Package server exposes an attribution cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/geoattr/internal/attribution"
	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

// Cache is the lookup the server fronts. *attribution.Cache satisfies it.
type Cache interface {
	Get(lon, lat, bufferRadius float64, multiple bool) (spatial.Result, error)
	Stats() attribution.Stats
}

// Options configures a Server.
type Options struct {
	Layer          string
	RegionProperty string
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

// Per-client limiter table bounds. Idle entries are swept once the table
// is full.
const (
	maxLimiters = 10000
	limiterIdle = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server answers attribution queries. The cache is not goroutine-safe, so
// every lookup holds mu.
type Server struct {
	cache Cache
	opts  Options
	mu    sync.Mutex

	limitMu    sync.Mutex
	limiters   map[string]*clientLimiter
	limiterCap int
	now        func() time.Time

	log *zap.Logger
}

// New creates a Server over cache.
func New(cache Cache, opts Options) *Server {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	return &Server{
		cache:      cache,
		opts:       opts,
		limiters:   make(map[string]*clientLimiter),
		limiterCap: maxLimiters,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "server"), zap.String("layer", opts.Layer)),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/attribute", s.handleAttribute)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// ListenAndServe serves on port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type attributeResponse struct {
	Layer      string               `json:"layer"`
	Lon        float64              `json:"lon"`
	Lat        float64              `json:"lat"`
	Radius     float64              `json:"radius"`
	Region     string               `json:"region,omitempty"`
	Properties spatial.Properties   `json:"properties,omitempty"`
	Matches    []spatial.Properties `json:"matches,omitempty"`
	Found      bool                 `json:"found"`
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lon, err := parseFloat(q.Get("lon"), "lon", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lat, err := parseFloat(q.Get("lat"), "lat", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius, err := parseFloat(q.Get("radius"), "radius", false)
	if err != nil || radius < 0 {
		writeError(w, http.StatusBadRequest, "radius must be a non-negative number")
		return
	}
	multiple := false
	if v := q.Get("multiple"); v != "" {
		if multiple, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "multiple must be a boolean")
			return
		}
	}

	s.mu.Lock()
	res, err := s.cache.Get(lon, lat, radius, multiple)
	s.mu.Unlock()
	if err != nil {
		var coordErr *proj.InvalidCoordinateError
		if errors.As(err, &coordErr) {
			writeError(w, http.StatusBadRequest, coordErr.Error())
			return
		}
		if errors.Is(err, attribution.ErrInvalidRadius) {
			writeError(w, http.StatusBadRequest, "radius must be a non-negative number")
			return
		}
		s.log.Error("attribute failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "attribution failed")
		return
	}

	resp := attributeResponse{
		Layer:  s.opts.Layer,
		Lon:    lon,
		Lat:    lat,
		Radius: radius,
		Found:  res.Found(),
	}
	if multiple {
		resp.Matches = res.Matches
	} else if res.Match != nil {
		resp.Properties = res.Match
		resp.Region = res.Match[s.opts.RegionProperty]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	stats := s.cache.Stats()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"layer": s.opts.Layer,
		"cache": stats,
	})
}

// rateLimit applies a token bucket per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()

	now := s.now()
	if cl, ok := s.limiters[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	if len(s.limiters) >= s.limiterCap {
		s.sweepLimiters(now)
	}
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(s.opts.RateLimitRPS), s.opts.RateLimitBurst),
		lastSeen: now,
	}
	s.limiters[key] = cl
	return cl.limiter
}

// sweepLimiters drops idle clients. If every client is active the oldest
// half is dropped so the table stays bounded. Caller holds limitMu.
func (s *Server) sweepLimiters(now time.Time) {
	for k, cl := range s.limiters {
		if now.Sub(cl.lastSeen) > limiterIdle {
			delete(s.limiters, k)
		}
	}
	if len(s.limiters) < s.limiterCap {
		return
	}
	seen := make([]time.Time, 0, len(s.limiters))
	for _, cl := range s.limiters {
		seen = append(seen, cl.lastSeen)
	}
	slices.SortFunc(seen, func(a, b time.Time) int { return a.Compare(b) })
	cutoff := seen[len(seen)/2]
	for k, cl := range s.limiters {
		if !cl.lastSeen.After(cutoff) {
			delete(s.limiters, k)
		}
	}
	s.log.Warn("rate limiter table full", zap.Int("remaining", len(s.limiters)))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseFloat(v, name string, required bool) (float64, error) {
	if v == "" {
		if required {
			return 0, eris.Errorf("%s is required", name)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, eris.Errorf("%s must be a number", name)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
