// Package main is the entry point for agentsquadd: the orchestration core
// exposed as a single HTTP process (SSE and WebSocket streaming of
// execution traffic, plus the execution lifecycle endpoints needed to
// drive it from outside the module).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/app"
	"github.com/kandev-labs/agentsquad/internal/clarification"
	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentsquadd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to wire application", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("error closing application", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down tracing", zap.Error(err))
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentsquadd"})
	})

	registerExecutionRoutes(router, a, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentsquadd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("agentsquadd stopped")
}

// createExecutionRequest is the body of POST /executions.
type createExecutionRequest struct {
	TaskID          string `json:"task_id" binding:"required"`
	SquadID         string `json:"squad_id" binding:"required"`
	PMAgentID       string `json:"pm_agent_id" binding:"required"`
	TaskDescription string `json:"task_description" binding:"required"`
}

// registerExecutionRoutes wires the execution lifecycle and streaming
// endpoints. The HTTP surface itself is not part of the orchestration
// core's contract; this is one concrete router exercising it.
func registerExecutionRoutes(router *gin.Engine, a *app.App, log *logger.Logger) {
	router.POST("/executions", func(c *gin.Context) {
		var req createExecutionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		executionID, err := a.CreateExecution(c.Request.Context(), req.TaskID, req.SquadID, req.PMAgentID, req.TaskDescription)
		if err != nil {
			log.Error("create execution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"execution_id": executionID})
	})

	router.DELETE("/executions/:execution_id", func(c *gin.Context) {
		if err := a.EndExecution(c.Request.Context(), c.Param("execution_id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/executions/:execution_id/stream", a.Stream.Gin)
	router.GET("/executions/:execution_id/ws", a.Stream.GinWS)

	router.GET("/executions/:execution_id/intervention", func(c *gin.Context) {
		orch, ok := a.Orchestrator(c.Param("execution_id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown execution"})
			return
		}
		req, pending := orch.PendingIntervention()
		if !pending {
			c.JSON(http.StatusNoContent, nil)
			return
		}
		c.JSON(http.StatusOK, req)
	})

	router.POST("/executions/:execution_id/intervention", func(c *gin.Context) {
		orch, ok := a.Orchestrator(c.Param("execution_id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown execution"})
			return
		}
		var ans clarification.Answer
		if err := c.ShouldBindJSON(&ans); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		progress, err := orch.ResolveIntervention(c.Request.Context(), &ans)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"progress_pct": progress})
	})

	router.POST("/admin/role-definitions/reload", func(c *gin.Context) {
		updated, err := a.ReloadRoleDefinitions(c.Request.Context())
		if err != nil {
			log.Error("role definitions reload failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "agents_updated": updated})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents_updated": updated})
	})
}

// corsMiddleware allows browser clients (SSE/WebSocket observers) to
// reach the stream endpoints from a separate origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
