package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/health"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Config holds API server configuration
type Config struct {
	Addr string
}

// Server serves the REST API
type Server struct {
	cfg         Config
	coordinator *orchestrator.Coordinator
	monitor     *health.Monitor
	journal     *journal.Journal
	logger      zerolog.Logger

	httpServer *http.Server
}

// NewServer creates an API server
func NewServer(cfg Config, coordinator *orchestrator.Coordinator, monitor *health.Monitor, jnl *journal.Journal) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		monitor:     monitor,
		journal:     jnl,
		logger:      log.WithComponent("api"),
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealthz)

	router.POST("/operations", s.handleSubmit)
	router.GET("/operations", s.handleList)
	router.GET("/operations/:id", s.handleGet)
	router.POST("/operations/:id/cancel", s.handleCancel)
	router.GET("/operations/:id/logs", s.handleRecentLogs)
	router.GET("/operations/:id/stages/:idx/result", s.handleStageResult)
	router.GET("/operations/:id/stages/:idx/logs/:file", s.handleStageLog)

	router.GET("/nodes", s.handleNodes)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: router,
	}

	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type submitRequest struct {
	OperationType string            `json:"operationType" binding:"required"`
	Name          string            `json:"name"`
	InitiatedBy   string            `json:"initiatedBy"`
	Parameters    map[string]string `json:"parameters"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action, err := s.coordinator.Submit(orchestrator.SubmitRequest{
		Type:        types.OperationType(req.OperationType),
		Name:        req.Name,
		InitiatedBy: req.InitiatedBy,
		Parameters:  req.Parameters,
	})
	switch {
	case errors.Is(err, orchestrator.ErrUnknownOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, action)
	}
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.coordinator.ListActions()})
}

func (s *Server) handleGet(c *gin.Context) {
	action, err := s.coordinator.GetAction(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleCancel(c *gin.Context) {
	outcome, err := s.coordinator.RequestCancellation(c.Param("id"))

	status := http.StatusAccepted
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyCompleted):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrCancelNotSupported):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"outcome": string(outcome)})
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	logs, err := s.coordinator.RecentLogs(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleStageResult(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stage index"})
		return
	}

	result, err := s.journal.GetArchivedStageResult(c.Param("id"), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStageLog(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stage index"})
		return
	}

	content, err := s.journal.GetArchivedStageLogContent(c.Param("id"), idx, c.Param("file"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, content)
}

func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.monitor.GetAllStates()})
}
