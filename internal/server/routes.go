package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/workspace"
)

type createSessionRequest struct {
	Name   string  `json:"name"`
	UserID *string `json:"user_id"`
}

type sessionView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	UserID        *string   `json:"user_id,omitempty"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
	UnitAttached  bool      `json:"unit_attached"`
}

type nodeView struct {
	ID       uint    `json:"id"`
	ParentID *uint   `json:"parent_id,omitempty"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	FullPath string  `json:"full_path"`
	Content  *string `json:"content,omitempty"`
}

type commandView struct {
	ID        uint      `json:"id"`
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Service) registerRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.start).String(),
			"component": "atelier-api",
			"version":   "0.1.0",
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(s.start).String(),
			"component": "atelier-api",
			"version":   "0.1.0",
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sessions", s.handleCreateSession)
	router.GET("/sessions", s.handleListSessions)

	sessions := router.Group("/sessions/:id")
	sessions.GET("/status", s.handleSessionStatus)
	sessions.POST("/start", s.handleStartSession)
	sessions.POST("/stop", s.handleStopSession)
	sessions.GET("/tree", s.handleSessionTree)
	sessions.GET("/commands", s.handleSessionCommands)
	sessions.GET("/stream", s.handleSessionStream)
	s.registerNodeRoutes(sessions)
	router.DELETE("/sessions/:id", s.handleDeleteSession)
}

func (s *Service) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, err := s.store.CreateSession(c.Request.Context(), req.Name, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.renderSession(sess))
}

func (s *Service) handleListSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.renderSession(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Service) handleSessionStatus(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Service) handleStartSession(c *gin.Context) {
	sess, err := s.manager.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Service) handleStopSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Stop(c.Request.Context(), id, lifecycle.ReasonExplicit); err != nil {
		respondLifecycleError(c, err)
		return
	}
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

// handleDeleteSession stops an active session first so its compute unit is
// never orphaned by a record deletion.
func (s *Service) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	switch sess.Status {
	case workspace.StatusActive, workspace.StatusError:
		if err := s.manager.Stop(c.Request.Context(), id, lifecycle.ReasonExplicit); err != nil {
			respondLifecycleError(c, err)
			return
		}
	}
	if err := s.store.DeleteSession(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Service) handleSessionTree(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	nodes, err := s.store.ListNodes(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{
			ID:       n.ID,
			ParentID: n.ParentID,
			Name:     n.Name,
			Kind:     string(n.Kind),
			FullPath: n.FullPath,
			Content:  n.Content,
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (s *Service) handleSessionCommands(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	commands, err := s.store.ListCommands(c.Request.Context(), id, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	out := make([]commandView, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, commandView{
			ID:        cmd.ID,
			Command:   cmd.Command,
			Output:    cmd.Output,
			Success:   cmd.Success,
			CreatedAt: cmd.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}

func (s *Service) renderSession(sess workspace.Session) sessionView {
	_, attached := s.manager.Handle(sess.ID)
	return sessionView{
		ID:            sess.ID,
		Name:          sess.Name,
		UserID:        sess.UserID,
		Status:        string(sess.Status),
		StatusMessage: sess.StatusMessage,
		LastActivity:  sess.LastActivity,
		CreatedAt:     sess.CreatedAt,
		UnitAttached:  attached,
	}
}

func respondStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workspace.ErrSessionNotFound),
		errors.Is(err, workspace.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workspace.ErrInvalidNodeName),
		errors.Is(err, workspace.ErrParentNotFolder),
		errors.Is(err, workspace.ErrNodeExists),
		errors.Is(err, workspace.ErrCycle),
		errors.Is(err, workspace.ErrNotAFile),
		errors.Is(err, workspace.ErrCrossSessionParent):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func respondLifecycleError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workspace.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrProvisionTimeout):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
