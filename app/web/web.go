// Package web implements read-only JSON monitoring api of ganga registries and the job monitor
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/ganga/app/registry"
	"github.com/umputun/ganga/app/schema"
	"github.com/umputun/ganga/app/service"
	"github.com/umputun/ganga/app/stream"
)

// StatsProvider returns stats of the job monitor
type StatsProvider interface {
	Stats() service.Stats
}

// Config holds server configuration
type Config struct {
	Registries   *registry.Set
	Catalog      *schema.Catalog // for raw object dumps
	Monitor      StatsProvider   // optional, nil if monitor is not running
	Version      string
	Hostname     string
	PasswordHash string // bcrypt hash for basic auth, empty to disable
	RateLimit    int    // requests per second per client, 0 to disable
}

// Server serves monitoring api
type Server struct {
	Config
	streamer  *stream.Streamer
	startedAt time.Time
}

// New makes server, registries required
func New(cfg Config) (*Server, error) {
	if cfg.Registries == nil {
		return nil, fmt.Errorf("web server initialization failed: registries are required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("web server initialization failed: catalog is required")
	}
	return &Server{Config: cfg, streamer: stream.New(cfg.Catalog), startedAt: time.Now()}, nil
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("ganga", "umputun", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)
	if s.RateLimit > 0 {
		router.Use(tollbooth.HTTPMiddleware(s.limiter()))
	}
	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for web api")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleAPIStatus)
		api.HandleFunc("GET /registries/{name}", s.handleAPIRegistry)
		api.HandleFunc("GET /registries/{name}/{key}", s.handleAPIObject)
		api.HandleFunc("GET /jobs/{key}", s.handleAPIJob)
	})
	return router
}

func (s *Server) limiter() *limiter.Limiter {
	lmt := tollbooth.NewLimiter(float64(s.RateLimit), nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"too many requests"}`)
	return lmt
}

// shortVersion extracts a short version string from full version,
// "v1.7.0-abc1234-20241225" -> "v1.7.0"
func shortVersion(fullVer string) string {
	if fullVer == "" || fullVer == "unknown" {
		return fullVer
	}
	if idx := strings.Index(fullVer, "-"); idx > 0 {
		return fullVer[:idx]
	}
	return fullVer
}
