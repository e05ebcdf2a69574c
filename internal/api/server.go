package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/scheduler"
	"github.com/albachteng/jobengine/internal/storage"
)

type Server struct {
	Scheduler *scheduler.Scheduler
	Provider  storage.Provider
	Registry  *jobs.Registry
	History   *jobs.History
	Cluster   cluster.Cluster
	Clock     clock.Clock
	Logger    *slog.Logger

	limiter *rate.Limiter
}

func NewServer(sched *scheduler.Scheduler, provider storage.Provider, registry *jobs.Registry, history *jobs.History, cl cluster.Cluster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Scheduler: sched,
		Provider:  provider,
		Registry:  registry,
		History:   history,
		Cluster:   cl,
		Clock:     clock.Real(),
		Logger:    logger,
	}
}

// WithRateLimit caps POST /jobs at limit requests per second with the given
// burst. A limit of zero leaves the endpoint unlimited.
func (s *Server) WithRateLimit(limit float64, burst int) *Server {
	if limit <= 0 {
		s.limiter = nil
		return s
	}
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.Logger))

	r.Get("/health", HandleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.HandleListJobs)
		r.With(rateLimitMiddleware(s.limiter)).Post("/", s.HandleSchedule)
		r.Get("/history", s.HandleHistory)
		r.Delete("/{id}", s.HandleRemoveJob)
	})

	r.Get("/cluster", s.HandleCluster)

	return r
}
