// Package web provides the HTTP API of the import pipeline.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/config"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
	"github.com/bloodyteeths/mkfakturi-sub002/internal/web/middleware"
)

// Service is the pipeline surface the handlers drive.
type Service interface {
	CreateJob(ctx context.Context, req core.NewJob) (*core.ImportJob, error)
	GetJob(ctx context.Context, id string) (*core.ImportJob, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]core.ImportJob, error)
	Rows(ctx context.Context, q core.StagingQuery) ([]core.StagingRecord, error)
	Retry(ctx context.Context, id string) (*core.ImportJob, error)
	Cancel(ctx context.Context, id string) (*core.ImportJob, error)

	Logs(ctx context.Context, filter core.LogFilter) ([]core.LogEntry, error)
	LogSummary(ctx context.Context, jobID string) (core.LogSummary, error)
	TagForAudit(ctx context.Context, jobID string, tags []string) (int64, error)

	ListRules(ctx context.Context, filter core.RuleFilter) ([]core.MappingRule, error)
	RuleFeedback(ctx context.Context, ruleID int64) (*core.MappingRule, error)
	SetRuleActive(ctx context.Context, ruleID int64, active bool) error
	TestRule(ctx context.Context, ruleID int64) (core.TestRunResult, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP server of the import service.
type Server struct {
	service Service
	limiter *core.JobLimiter
	health  map[string]HealthCheck
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
	rate    *rateLimiter
}

// NewServer creates a Server. limiter may be nil when the process runs no jobs.
func NewServer(service Service, limiter *core.JobLimiter, health map[string]HealthCheck, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		limiter: limiter,
		health:  health,
		cfg:     cfg,
		router:  chi.NewRouter(),
		rate:    newRateLimiter(cfg.Security.RequestsPerMinute, time.Minute),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders)
	s.router.Use(s.rate.middleware)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.cfg.Security))
		r.Use(middleware.Tenant)

		// Import jobs
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Get("/jobs/{jobID}/rows", s.handleJobRows)

		// Import log
		r.Get("/jobs/{jobID}/logs", s.handleJobLogs)
		r.Get("/jobs/{jobID}/logs/summary", s.handleLogSummary)
		r.Post("/jobs/{jobID}/audit", s.handleTagForAudit)

		// Mapping rules
		r.Get("/rules", s.handleListRules)
		r.Post("/rules/{ruleID}/feedback", s.handleRuleFeedback)
		r.Post("/rules/{ruleID}/activate", s.handleSetRuleActive(true))
		r.Post("/rules/{ruleID}/deactivate", s.handleSetRuleActive(false))
		r.Post("/rules/{ruleID}/test", s.handleTestRule)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rate.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Rate limiting
// =============================================================================

// rateLimiter implements a fixed-window request limit per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	done     chan struct{}
	once     sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries once per window.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastReset) > rl.window*2 {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}

	if time.Since(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = time.Now()
		return true
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r.RemoteAddr)) {
			w.Header().Set("Retry-After", "60")
			writeJSONStatus(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded", Message: "Too many requests", Code: "RATE001",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from a remote address.
func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// =============================================================================
// JSON responses
// =============================================================================

// writeJSON encodes v as JSON with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
