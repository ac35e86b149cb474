package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/discord-voice-agent/internal/logging"
)

// HealthFunc reports the live destinations for /healthz.
type HealthFunc func() []string

// Server exposes /metrics and /healthz.
type Server struct {
	app  *fiber.App
	bind string
	log  logging.Logger
}

func NewServer(bind string, gatherer prometheus.Gatherer, health HealthFunc, log logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logging.Nop()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dests := []string{}
		if health != nil {
			dests = health()
		}
		return c.JSON(fiber.Map{
			"status":       "ok",
			"destinations": dests,
		})
	})
	return &Server{app: app, bind: bind, log: log}
}

// App returns the underlying fiber app (used by tests through app.Test).
func (s *Server) App() *fiber.App { return s.app }

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Infow("metrics server listening", "bind", s.bind)
		if err := s.app.Listen(s.bind); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warnw("metrics server stopped", "err", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
