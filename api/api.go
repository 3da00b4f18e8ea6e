package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	bidscore "github.com/nellh/bids-core"
)

// Server exposes a Scheduler over HTTP. All job state still flows
// through the scheduler gateway; the server only translates between
// the JSON wire format and scheduler calls.
type Server struct {
	scheduler *bidscore.Scheduler
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an HTTP server around the given scheduler.
func New(scheduler *bidscore.Scheduler, opts ...Option) *Server {
	s := &Server{
		scheduler: scheduler,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the assembled job routes. Mount it wherever the
// surrounding application wants the API to live.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/count", s.countJobs)
		r.Get("/next", s.nextJob)
		r.Get("/{jobID}", s.getJob)
		r.Put("/{jobID}", s.updateJob)
	})
	return r
}
