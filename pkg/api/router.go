// Package api exposes the HTTP surface: command submission, state reads and
// the websocket event stream.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge/pkg/core"
	"github.com/reelforge/reelforge/pkg/dispatcher"
	"github.com/reelforge/reelforge/pkg/events"
	"github.com/reelforge/reelforge/pkg/storage"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	store  *storage.Store
	queue  *dispatcher.Client
	hub    *events.Hub
	logger *slog.Logger
}

// NewServer wires the API server.
func NewServer(store *storage.Store, queue *dispatcher.Client, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, queue: queue, hub: hub, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/projects/:projectID/commands", s.submitCommand)
		v1.GET("/projects/:projectID/state", s.projectState)
		v1.GET("/projects", s.listProjects)
		v1.GET("/ws/:projectID", s.eventStream)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitCommand validates the envelope and enqueues it. Execution is
// asynchronous; results arrive on the event stream.
func (s *Server) submitCommand(c *gin.Context) {
	var cmd core.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed command: " + err.Error()})
		return
	}
	cmd.ProjectID = c.Param("projectID")
	if !cmd.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command type: " + string(cmd.Type)})
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}

	taskID, err := s.queue.Enqueue(c.Request.Context(), &cmd)
	if err != nil {
		s.logger.Error("enqueue failed", "project_id", cmd.ProjectID, "type", cmd.Type, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"commandId": cmd.CommandID,
		"taskId":    taskID,
	})
}

func (s *Server) projectState(c *gin.Context) {
	st, err := s.store.LoadCheckpoint(c.Request.Context(), c.Param("projectID"))
	if errors.Is(err, core.ErrNoCheckpoint) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	if err != nil {
		s.logger.Error("state read failed", "project_id", c.Param("projectID"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listProjects(c *gin.Context) {
	ids, err := s.store.ProjectIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": ids})
}

func (s *Server) eventStream(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, c.Param("projectID"))
}
