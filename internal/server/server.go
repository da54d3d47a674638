// Package server exposes the kernel over HTTP: REST endpoints for starting
// and controlling runs, artifact and library access, a WebSocket state
// stream, and Prometheus metrics.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vk/agentgridgo/internal/broadcast"
	"github.com/vk/agentgridgo/internal/runstate"
	"github.com/vk/agentgridgo/internal/runtime"
	"github.com/vk/agentgridgo/internal/workflow"
	"github.com/vk/agentgridgo/internal/workspace"
)

// Server wires the HTTP surface to the kernel.
type Server struct {
	kernel    *runtime.Kernel
	streamer  *broadcast.Streamer
	workspace *workspace.Manager
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// New creates a Server. Workspace may be nil; the library endpoints then
// answer 503.
func New(kernel *runtime.Kernel, streamer *broadcast.Streamer, ws *workspace.Manager, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		kernel:    kernel,
		streamer:  streamer,
		workspace: ws,
		gatherer:  gatherer,
		logger:    logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.Use(s.clientIDMiddleware())

	router.GET("/health", s.handleHealth)

	rt := router.Group("/runtime")
	rt.POST("/start", s.handleStart)
	rt.GET("/state", s.handleState)
	rt.GET("/signatures", s.handleSignatures)
	rt.GET("/library", s.handleListLibrary)
	rt.POST("/library/upload", s.handleUploadLibrary)
	rt.POST("/:run_id/resume", s.handleResume)
	rt.POST("/:run_id/stop", s.handleStop)
	rt.GET("/:run_id/artifact/:agent_id", s.handleArtifact)

	router.GET("/ws/runtime/:run_id", s.handleStream)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

var clientIDStrip = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// sanitizeClientID reduces the caller-supplied identity header to a safe
// token: alphanumerics and dashes, capped at 64 characters.
func sanitizeClientID(raw string) string {
	id := clientIDStrip.ReplaceAllString(raw, "")
	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" {
		id = "anonymous"
	}
	return id
}

func (s *Server) clientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("client_id", sanitizeClientID(c.GetHeader("X-Client-ID")))
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStart(c *gin.Context) {
	var wf workflow.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow payload: " + err.Error()})
		return
	}
	runID, err := s.kernel.StartRun(c.Request.Context(), &wf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Run started via API.", "run_id", runID, "client_id", c.GetString("client_id"))
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "started"})
}

func (s *Server) handleState(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id query parameter required"})
		return
	}
	snap, err := s.kernel.State(c.Request.Context(), runID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSignatures(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id query parameter required"})
		return
	}
	sigs, err := s.kernel.Signatures(c.Request.Context(), runID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "signatures": sigs})
}

func (s *Server) handleResume(c *gin.Context) {
	runID := c.Param("run_id")
	if err := s.kernel.Resume(c.Request.Context(), runID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Run resumed via API.", "run_id", runID, "client_id", c.GetString("client_id"))
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "resumed"})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(c *gin.Context) {
	runID := c.Param("run_id")
	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "stopped via API"
	}
	if err := s.kernel.Stop(c.Request.Context(), runID, req.Reason); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.logger.Warn("Run stopped via API.", "run_id", runID, "client_id", c.GetString("client_id"))
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "stopped"})
}

func (s *Server) handleArtifact(c *gin.Context) {
	runID := c.Param("run_id")
	agentID := c.Param("agent_id")
	data, found, err := s.kernel.Artifact(c.Request.Context(), runID, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleListLibrary(c *gin.Context) {
	if s.workspace == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage root configured"})
		return
	}
	files, err := s.workspace.ListLibrary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleUploadLibrary(c *gin.Context) {
	if s.workspace == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no storage root configured"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" required"})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.workspace.SaveToLibrary(file.Filename, data); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrInvalidFilename) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Library file uploaded.", "file", file.Filename, "client_id", c.GetString("client_id"))
	c.JSON(http.StatusOK, gin.H{"file": file.Filename})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrRunTerminal):
		return http.StatusConflict
	case errors.Is(err, runstate.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
