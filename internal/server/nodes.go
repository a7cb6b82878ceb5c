package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atelier-dev/atelier/internal/workspace"
)

type createNodeRequest struct {
	ParentID *uint   `json:"parent_id"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Content  *string `json:"content"`
}

type moveNodeRequest struct {
	NewParentID *uint  `json:"new_parent_id"`
	NewName     string `json:"new_name"`
}

type writeContentRequest struct {
	Content string `json:"content"`
}

func (s *Service) registerNodeRoutes(sessions *gin.RouterGroup) {
	sessions.POST("/nodes", s.handleCreateNode)
	sessions.PATCH("/nodes/:node_id", s.handleMoveNode)
	sessions.PUT("/nodes/:node_id/content", s.handleWriteNodeContent)
	sessions.DELETE("/nodes/:node_id", s.handleDeleteNode)
}

// handleCreateNode inserts a tree node and mirrors it into the live unit
// when the session is active; an inactive session gets the node on its
// next push.
func (s *Service) handleCreateNode(c *gin.Context) {
	sessionID := c.Param("id")
	var req createNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind := workspace.NodeKind(req.Kind)
	if kind != workspace.KindFile && kind != workspace.KindFolder {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be file or folder"})
		return
	}

	var (
		node workspace.WorkspaceNode
		err  error
	)
	if handle, ok := s.manager.Handle(sessionID); ok {
		node, err = s.engine.Create(c.Request.Context(), sessionID, handle.UnitName, req.ParentID, req.Name, kind, req.Content)
	} else {
		node, err = s.store.CreateNode(c.Request.Context(), sessionID, req.ParentID, req.Name, kind, req.Content)
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderNode(node))
}

func (s *Service) handleMoveNode(c *gin.Context) {
	sessionID := c.Param("id")
	nodeID, ok := parseNodeID(c)
	if !ok {
		return
	}
	var req moveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		node workspace.WorkspaceNode
		err  error
	)
	if handle, ok := s.manager.Handle(sessionID); ok {
		node, err = s.engine.Move(c.Request.Context(), sessionID, handle.UnitName, nodeID, req.NewParentID, req.NewName)
	} else {
		node, err = s.store.MoveNode(c.Request.Context(), sessionID, nodeID, req.NewParentID, req.NewName, nil)
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNode(node))
}

func (s *Service) handleWriteNodeContent(c *gin.Context) {
	sessionID := c.Param("id")
	nodeID, ok := parseNodeID(c)
	if !ok {
		return
	}
	var req writeContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		node workspace.WorkspaceNode
		err  error
	)
	if handle, ok := s.manager.Handle(sessionID); ok {
		node, err = s.engine.WriteContent(c.Request.Context(), sessionID, handle.UnitName, nodeID, req.Content)
	} else {
		if err = s.store.UpdateNodeContent(c.Request.Context(), sessionID, nodeID, req.Content); err == nil {
			node, err = s.store.GetNode(c.Request.Context(), sessionID, nodeID)
		}
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNode(node))
}

// handleDeleteNode removes a subtree; for an active session the live
// filesystem removal and the relational cascade succeed or fail together.
func (s *Service) handleDeleteNode(c *gin.Context) {
	sessionID := c.Param("id")
	nodeID, ok := parseNodeID(c)
	if !ok {
		return
	}

	var err error
	if handle, ok := s.manager.Handle(sessionID); ok {
		err = s.engine.Remove(c.Request.Context(), sessionID, handle.UnitName, nodeID)
	} else {
		err = s.store.DeleteNode(c.Request.Context(), sessionID, nodeID, nil)
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": nodeID})
}

func parseNodeID(c *gin.Context) (uint, bool) {
	raw := c.Param("node_id")
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return 0, false
	}
	return uint(parsed), true
}

func renderNode(n workspace.WorkspaceNode) nodeView {
	return nodeView{
		ID:       n.ID,
		ParentID: n.ParentID,
		Name:     n.Name,
		Kind:     string(n.Kind),
		FullPath: n.FullPath,
		Content:  n.Content,
	}
}
