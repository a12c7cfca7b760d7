// Package service exposes a flow engine over HTTP.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "dragonflow"

// Engine is what the service executes requests against.
type Engine interface {
	Flow() *dragonflow.Flow
	RunLine(ctx context.Context, runID string, index int, inputs map[string]any) *dragonflow.LineResult
	Dispatch(ctx context.Context, runID string, index int, inputs map[string]any) (*dragonflow.LineResult, error)
	ExecuteNode(ctx context.Context, req executor.NodeRequest) (*dragonflow.NodeRunInfo, error)
	Cancel(runID string) bool
	Tools() []tools.FunctionSchema
	InvokeTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Server serves the execution API.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	engine     Engine
	cfg        config.ServiceConfig
	log        *logging.Logger
	listener   net.Listener
}

// New builds the router. metrics may be nil, in which case /metrics is not
// mounted.
func New(cfg config.ServiceConfig, engine Engine, metrics http.Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("service")
	switch {
	case gin.Mode() == gin.TestMode:
	case log.Zerolog().GetLevel() <= zerolog.DebugLevel:
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(recovery(log), requestID(), requestLogger(log))

	s := &Server{
		router: router,
		engine: engine,
		cfg:    cfg,
		log:    log,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	router.GET("/health", s.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	exec := router.Group("/execution")
	exec.POST("/flow", s.executeFlow)
	exec.POST("/node", s.executeNode)
	exec.POST("/cancel", s.cancel)
	tl := router.Group("/tools")
	tl.GET("", s.listTools)
	tl.POST("/:name/invoke", s.invokeTool)
	return s
}

// Handler returns the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the address and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Server error", logging.Fields(logging.FieldError, err))
		}
	}()
	s.log.Info("HTTP server started", logging.Fields("addr", listener.Addr().String(), logging.FieldFlowID, s.engine.Flow().ID))
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop shuts the server down gracefully within the configured timeout.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.log.Info("HTTP server shut down")
	return nil
}
