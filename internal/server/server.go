package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ServerOption func(*Server) error

// Server is the HTTP front of the measurement pipeline
type Server struct {
	engine    *fiber.App
	log       logrus.FieldLogger
	validator *validator.Validate
	measurer  Measurer
	timeout   time.Duration
	handlers  []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.measurer == nil {
		return nil, fmt.Errorf("measurer is required")
	}
	if server.validator == nil {
		server.validator = validator.New(validator.WithRequiredStructEnabled())
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger logrus.FieldLogger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithMeasurer(m Measurer) ServerOption {
	return func(s *Server) error {
		if m == nil {
			return errors.New("measurer is nil")
		}
		s.measurer = m
		return nil
	}
}

// WithRequestTimeout bounds a single measurement
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) error {
		s.timeout = timeout
		return nil
	}
}

// RegisterHandler installs middleware and routes. Call it once before Run.
func (s *Server) RegisterHandler() {
	s.engine.Use(NewRequestIDMiddleware())
	s.engine.Use(NewLoggingMiddleware(s.log))
	s.engine.Use(NewRecoverMiddleware(s.log))

	s.setupHealthCheck()

	predict := NewPredictHandler(s.log, s.validator, s.measurer, s.timeout)
	s.handlers = append(s.handlers, predict)

	router := s.engine.Group("/api/v1")
	for _, h := range s.handlers {
		h.Start(router)
	}
	// legacy path used by existing clients
	s.engine.Post("/predict-babyheight", predict.Predict)
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.engine
}

// Run listens on the given port until Shutdown is called
func (s *Server) Run(port string) error {
	if port == "" {
		port = "3000"
	}
	return s.engine.Listen(fmt.Sprintf(":%s", port))
}

// Shutdown stops accepting requests and waits for in-flight ones up to timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.engine.ShutdownWithTimeout(timeout)
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message": "Server is Healthy!",
		})
	})
}
