package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/handler"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов
type Handlers struct {
	Intercept *handler.InterceptHandler // /v1/intercept, /v1/execute
	Agents    *handler.AgentHandler     // /v1/agents
	Policies  *handler.PolicyHandler    // /v1/policies
	Reviews   *handler.ApprovalHandler  // /v1/reviews (HITL)
	Audit     *handler.AuditHandler     // /v1/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil — токены не проверяются, все запросы получают права локального оператора
	authValidator auth.TokenValidator
	metrics       http.Handler
	ready         func(ctx context.Context) error

	h Handlers
}

type Option func(*ConsoleServer)

// WithValidator включает проверку RS256 токенов
func WithValidator(v auth.TokenValidator) Option {
	return func(s *ConsoleServer) { s.authValidator = v }
}

// WithMetricsHandler публикует /metrics (promhttp)
func WithMetricsHandler(h http.Handler) Option {
	return func(s *ConsoleServer) { s.metrics = h }
}

// WithReadiness — проверка зависимостей для /ready
func WithReadiness(fn func(ctx context.Context) error) Option {
	return func(s *ConsoleServer) { s.ready = fn }
}

// NewConsoleServer инициализирует операторский API со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, h Handlers, opts ...Option) *ConsoleServer {
	s := &ConsoleServer{
		router: chi.NewRouter(),
		logger: logger.Named("console-api"),
		h:      h,
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *ConsoleServer) authenticate() func(http.Handler) http.Handler {
	if s.authValidator == nil {
		s.logger.Warn("auth disabled, all requests act as the local operator")
		return auth.Anonymous("local",
			domain.ScopeIntercept,
			domain.ScopeSignalsSend,
			domain.ScopeAgentsRead,
			domain.ScopeAuditRead,
			domain.ScopeReviewsDecide,
			domain.ScopePoliciesWrite,
		)
	}
	return auth.NewMiddleware(s.authValidator, s.logger)
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/ready", s.readiness)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate())

		// Граница вызова инструментов
		r.With(auth.RequireScope(domain.ScopeIntercept)).Post("/v1/intercept", s.h.Intercept.Intercept)
		r.With(auth.RequireScope(domain.ScopeIntercept)).Post("/v1/execute", s.h.Intercept.Execute)

		// Агенты и сигналы
		r.Route("/v1/agents", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAgentsRead)).Get("/", s.h.Agents.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(domain.ScopeAgentsRead)).Get("/state", s.h.Agents.State)
				r.With(auth.RequireScope(domain.ScopeAgentsRead)).Get("/session", s.h.Agents.Session)
				r.With(auth.RequireScope(domain.ScopeSignalsSend)).Delete("/session", s.h.Agents.EndSession)
				r.With(auth.RequireScope(domain.ScopeSignalsSend)).Post("/signal", s.h.Agents.Signal)
			})
		})

		// Политики
		r.Route("/v1/policies", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAgentsRead)).Get("/effective/{agent}", s.h.Policies.Effective)
			r.With(auth.RequireScope(domain.ScopePoliciesWrite)).Post("/", s.h.Policies.Publish)
			r.With(auth.RequireScope(domain.ScopePoliciesWrite)).Post("/reload", s.h.Policies.Reload)
		})

		// Human-in-the-loop
		r.Route("/v1/reviews", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeReviewsDecide))
			r.Get("/", s.h.Reviews.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Reviews.GetDetails)
				r.Post("/decide", s.h.Reviews.Decide)
				r.Post("/replay", s.h.Reviews.Replay)
			})
		})

		// Аудит
		r.Route("/v1/audit", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAuditRead))
			r.Get("/", s.h.Audit.GetLogs)
			r.Get("/verify", s.h.Audit.Verify)
			r.Get("/stats", s.h.Audit.GetStats)
		})
	})
}

func (s *ConsoleServer) readiness(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
