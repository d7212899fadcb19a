// Package api provides the HTTP admin surface for an INC server:
// server statistics, recent journal entries, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/incware/inc/pkg/journal"
	"github.com/incware/inc/pkg/network"
)

// Config holds admin server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default admin server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves the admin API for one INC server
type Server struct {
	inc        *network.Server
	journal    *journal.EventJournal
	router     *gin.Engine
	httpServer *http.Server
	config     *Config
}

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewServer creates the admin server. journal may be nil when the INC
// server runs without one.
func NewServer(inc *network.Server, j *journal.EventJournal, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		inc:     inc,
		journal: j,
		router:  router,
		config:  config,
	}
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/events", s.handleEvents)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   s.inc.Stats(),
	})
}

// handleEvents handles GET /api/v1/events?limit=N
func (s *Server) handleEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "No journal",
			Message: "This server runs without an event journal",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a number between 1 and 1000",
			})
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Journal query failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(entries),
		"events":  entries,
	})
}

// Router returns the underlying gin engine (used by tests)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving; non-blocking
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Admin API server error: %v\n", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
