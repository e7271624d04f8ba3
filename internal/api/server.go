// Package api serves the generation controller over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/kiln/internal/inference"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/tokenizer"
)

const defaultMaxTokens = 256

// Config wires a Server to its collaborators.
type Config struct {
	Controller *inference.Controller
	// Tokenizer encodes text prompts. Without one only token prompts are
	// accepted.
	Tokenizer tokenizer.Tokenizer
	Defaults  inference.GenDefaults
	// Model is reported in completion responses.
	Model string
	// MaxTokens applies when a request omits max_tokens.
	MaxTokens int
	Logger    logger.Logger
}

type Server struct {
	ctrl      *inference.Controller
	tok       tokenizer.Tokenizer
	defaults  inference.GenDefaults
	model     string
	maxTokens int
	log       logger.Logger
	clock     func() time.Time
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Server{
		ctrl:      cfg.Controller,
		tok:       cfg.Tokenizer,
		defaults:  cfg.Defaults,
		model:     cfg.Model,
		maxTokens: maxTokens,
		log:       logger.Component(log, "api"),
		clock:     time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.createCompletion)
	e.GET("/v1/sessions", s.listSessions)
	e.DELETE("/v1/sessions/:id", s.cancelSession)
	e.GET("/healthz", s.health)
	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) health(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"model":    s.model,
		"sessions": len(s.ctrl.Sessions()),
	})
}
