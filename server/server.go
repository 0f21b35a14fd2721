// Package server exposes the coordinator over HTTP. A single invoke endpoint
// answers either with an aggregate JSON response or, when the client asks for
// application/x-ndjson, with the live event stream.
package server

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/logging"
	"github.com/calder-labs/stagecoach/runner"
	"github.com/calder-labs/stagecoach/stream"
)

const ndjsonContentType = "application/x-ndjson"

// Options holds configuration overrides passed to New().
type Options struct {
	// ReadTimeout bounds how long reading a request may take.
	ReadTimeout time.Duration
	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout time.Duration
	// HeartbeatInterval sets how often streaming responses emit a
	// heartbeat frame while no events are flowing.
	HeartbeatInterval time.Duration
	// Logger receives request diagnostics.
	Logger logging.Logger
}

// Server wraps a fiber app around a runner.Coordinator.
type Server struct {
	app   *fiber.App
	coord *runner.Coordinator
	opts  Options
}

// New constructs a Server with optional overrides.
func New(coord *runner.Coordinator, optFns ...func(o *Options)) *Server {
	opts := Options{
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	app := fiber.New(fiber.Config{
		AppName:               "stagecoach",
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		IdleTimeout:           opts.IdleTimeout,
	})

	s := &Server{app: app, coord: coord, opts: opts}

	app.Get("/healthz", s.handleHealth)
	v1 := app.Group("/v1")
	v1.Post("/invoke", s.handleInvoke)

	return s
}

// App returns the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves requests on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.opts.Logger.Info("server.listen", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains open connections and stops the listener.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

type invokeRequest struct {
	Message   string `json:"message"`
	Principal string `json:"principal,omitempty"`
	Context   string `json:"context,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInvoke(c *fiber.Ctx) error {
	var req invokeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message is required"})
	}

	principal := req.Principal
	if principal == "" {
		principal = "anonymous"
	}
	message := req.Message
	if req.Context != "" {
		message += "\n\nContext:\n" + req.Context
	}

	if strings.Contains(c.Get(fiber.HeaderAccept), ndjsonContentType) {
		return s.streamInvoke(c, principal, message)
	}

	resp, err := s.coord.InvokeSync(c.UserContext(), principal, message)
	if err != nil {
		s.opts.Logger.Error("server.invoke.failed", "principal", principal, "error", err.Error())
		status := fiber.StatusInternalServerError
		body := fiber.Map{"error": err.Error()}
		if resp != nil {
			// The run produced partial output before failing.
			status = fiber.StatusBadGateway
			body["response"] = resp
		}
		return c.Status(status).JSON(body)
	}
	return c.JSON(resp)
}

// streamInvoke writes the live event stream as newline-delimited frames. The
// invocation runs on a detached context: closing the connection stops event
// delivery, not the run itself.
func (s *Server) streamInvoke(c *fiber.Ctx, principal, message string) error {
	executionID, events, errs, err := s.coord.Invoke(detachedContext(), principal, message)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	c.Set(fiber.HeaderContentType, ndjsonContentType)
	c.Set("X-Execution-Id", executionID)

	heartbeat := s.opts.HeartbeatInterval
	logger := s.opts.Logger
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		writer := stream.NewWriter(w)
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					writer.Close()
					w.Flush()
					if err := <-errs; err != nil {
						logger.Error("server.stream.run_failed", "execution_id", executionID, "error", err.Error())
					}
					return
				}
				if err := writer.Write(ev); err != nil {
					drain(events, errs)
					logger.Warn("server.stream.client_gone", "execution_id", executionID)
					return
				}
				w.Flush()
			case <-ticker.C:
				if err := writer.WriteHeartbeat(); err != nil {
					drain(events, errs)
					logger.Warn("server.stream.client_gone", "execution_id", executionID)
					return
				}
				w.Flush()
			}
		}
	}))
	return nil
}

// drain consumes the remaining events after the client disconnects so the
// run finishes and its outcome is logged.
func drain(events <-chan core.Event, errs <-chan error) {
	for range events {
	}
	<-errs
}

func detachedContext() context.Context { return context.Background() }
