// Package ingress is the HTTP front door: it parses submissions and calls
// the Dispatch Engine's Enqueue, per spec.md §1 ("out of scope" for the
// core, but part of a complete service).
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/echodispatch/internal/logging"

	"github.com/gorilla/mux"
)

// Enqueuer is the subset of *dispatch.Engine the ingress needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, dueTimeMs float64, text string) error
}

// Readier reports startup completion, satisfied by (*dispatch.Engine).Started.
type Readier interface {
	Started() <-chan struct{}
}

// submission is the wire shape of a POST /messages request body.
type submission struct {
	// DueTimeMs is milliseconds since the epoch, UTC, as a float64 so a
	// client can carry sub-millisecond precision through to the message
	// id (spec.md §3).
	DueTimeMs float64 `json:"due_time_ms"`
	Text      string  `json:"text"`
}

// Server is the HTTP front door.
type Server struct {
	engine  Enqueuer
	ready   Readier
	logger  *logging.Logger
	limiter *catrate.Limiter
	router  *mux.Router
}

// Config constructs a Server.
type Config struct {
	// Engine accepts submissions. Required.
	Engine Enqueuer

	// Ready, if set, gates /healthz on the engine having completed
	// startup (spec.md §4.3.1).
	Ready Readier

	// Logger receives structured diagnostic events. Optional.
	Logger *logging.Logger

	// MaxPerSecond bounds per-client submission rate; zero disables
	// limiting.
	MaxPerSecond int
}

// New constructs a Server and wires its routes.
func New(cfg Config) *Server {
	if cfg.Engine == nil {
		panic("ingress: nil Engine")
	}

	var limiter *catrate.Limiter
	if cfg.MaxPerSecond > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: cfg.MaxPerSecond,
		})
	}

	s := &Server{
		engine:  cfg.Engine,
		ready:   cfg.Ready,
		logger:  cfg.Logger,
		limiter: limiter,
		router:  mux.NewRouter(),
	}

	s.router.HandleFunc("/messages", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		select {
		case <-s.ready.Started():
		default:
			http.Error(w, "startup not complete", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		category := r.RemoteAddr
		if _, ok := s.limiter.Allow(category); !ok {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	var sub submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Enqueue(r.Context(), sub.DueTimeMs, sub.Text); err != nil {
		s.logf(func(l *logging.Logger) { l.Err().Err(err).Log("ingress: enqueue failed") })
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) logf(fn func(l *logging.Logger)) {
	if s.logger == nil {
		return
	}
	fn(s.logger)
}
