// Package api is the HTTP surface of the service: it enqueues metrics onto the
// log, writes them directly to the store, and reports on stream and store health.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hugolhafner/healthstream"
	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/store"
)

// Enqueuer appends a metric to the log and returns the entry ID.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, heartRate, steps int64, calories float64) (string, error)
}

// StatusReporter describes the consumer and the stream it drains.
type StatusReporter interface {
	Status(ctx context.Context) (healthstream.Status, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger logger.Logger
	Build  string
	// ReadyTimeout bounds each dependency ping of the readiness probe.
	ReadyTimeout time.Duration
	// Pingers are checked by the readiness probe in addition to the store.
	Pingers map[string]Pinger
}

type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithBuild(build string) Option {
	return func(c *Config) {
		c.Build = build
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReadyTimeout = d
		}
	}
}

// WithReadinessCheck adds a named dependency to the readiness probe.
func WithReadinessCheck(name string, p Pinger) Option {
	return func(c *Config) {
		if c.Pingers == nil {
			c.Pingers = make(map[string]Pinger)
		}
		c.Pingers[name] = p
	}
}

func defaultConfig() Config {
	return Config{
		Logger:       logger.NewNoopLogger(),
		Build:        "develop",
		ReadyTimeout: 2 * time.Second,
	}
}

type Server struct {
	config Config

	router   *chi.Mux
	logger   logger.Logger
	validate *validator.Validate

	enqueuer Enqueuer
	status   StatusReporter
	store    store.Store
}

func NewServer(enqueuer Enqueuer, status StatusReporter, st store.Store, opts ...Option) *Server {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	l := config.Logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(l))
	r.Use(middleware.Recoverer)

	s := &Server{
		config:   config,
		router:   r,
		logger:   l,
		validate: newValidator(),
		enqueuer: enqueuer,
		status:   status,
		store:    st,
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/", s.handleRoot)

	s.router.Route(
		"/health-metrics", func(r chi.Router) {
			r.Post("/", s.handleCreateJSON)
			r.Post("/params/", s.handleCreateParams)
			r.Post("/stream/", s.handleEnqueue)
			r.Get("/", s.handleList)
			r.Get("/{user_id}", s.handleListUser)
		},
	)

	s.router.Get("/metrics/aggregate", s.handleAggregate)
	s.router.Get("/stream/status", s.handleStreamStatus)

	s.router.Route(
		"/v1", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/readiness", s.handleReadiness)
		},
	)
}

func loggerMiddleware(l logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

				defer func() {
					l.Debug(
						"Request completed",
						"method", r.Method,
						"path", r.URL.Path,
						"status", ww.Status(),
						"duration", time.Since(start),
						"request_id", middleware.GetReqID(r.Context()),
					)
				}()

				next.ServeHTTP(ww, r)
			},
		)
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(
		func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		},
	)
	return v
}
