// Package server exposes the orchestrator over HTTP: an OpenAI-compatible speech
// endpoint, voice management, cache inspection and a websocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Version is reported by the root endpoint.
var Version = "1.0.0"

// Defaults.
const (
	DefaultMaxUploadBytes    = 50 << 20
	DefaultReadHeaderTimeout = 10 * time.Second
	shutdownTimeout          = 15 * time.Second
	ModelID                  = "cosyvoice-v1"
	modelOwner               = "cosyvoice"
)

// Log messages.
const (
	logRequest        = "%s %s -> %d (%s)"
	logRequestFailed  = "%s %s failed: %v"
	logStreamAborted  = "Stream for voice %s ended early: %v"
	logClientGone     = "Client disconnected from stream for voice %s: %v"
	logListening      = "HTTP server listening on %s"
	logShuttingDown   = "HTTP server shutting down"
	logUploadCleanup  = "Failed to remove uploaded file %s: %v"
	logWebSocketError = "WebSocket session failed: %v"
)

// Options configures the HTTP layer.
type Options struct {
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	EnableWebSocket   bool
	// UploadDir holds uploaded reference audio until it is copied into the library.
	// Empty selects the system temp directory.
	UploadDir string
}

// Server is the HTTP front end.
type Server struct {
	orchestrator *synthesis.Orchestrator
	log          *logger.Logger
	opts         Options
	engine       *gin.Engine
	upgrader     websocket.Upgrader
}

// New builds the router.
func New(orchestrator *synthesis.Orchestrator, log *logger.Logger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		orchestrator: orchestrator,
		log:          log,
		opts:         opts,
		engine:       gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), cors())
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.GET("/models", s.handleModels)
	v1.GET("/cache/stats", s.handleCacheStats)
	v1.POST("/cache/preload", s.handleCachePreload)
	v1.POST("/cache/clear", s.handleCacheClear)

	v1.POST("/voices/create", s.handleCreateVoice)
	v1.GET("/voices/custom", s.handleListVoices)
	v1.GET("/voices/:id", s.handleGetVoice)
	v1.PATCH("/voices/:id", s.handleUpdateVoice)
	v1.DELETE("/voices/:id", s.handleDeleteVoice)

	v1.POST("/audio/speech", s.handleSpeech)
	v1.POST("/tts", s.handleSimpleTTS)

	if s.opts.EnableWebSocket {
		v1.GET("/audio/speech/ws", s.handleSpeechWebSocket)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errs := make(chan error, 1)

	go func() {
		s.log.System(logListening, addr)

		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.System(logShuttingDown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
	}

	serveErr := <-errs
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", serveErr)
	}

	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.log.Info(logRequest, c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		header.Set("Access-Control-Expose-Headers", "X-Sample-Rate, X-Channels, X-Bit-Depth, X-Stream-Error")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)

			return
		}

		c.Next()
	}
}
