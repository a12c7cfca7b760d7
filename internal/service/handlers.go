package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// FlowRequest runs one row of the flow.
type FlowRequest struct {
	RunID  string         `json:"run_id"`
	Index  int            `json:"index" binding:"gte=0"`
	Inputs map[string]any `json:"inputs"`
}

// NodeRequest runs one node against supplied upstream outputs.
type NodeRequest struct {
	RunID    string         `json:"run_id"`
	Node     string         `json:"node" binding:"required"`
	Inputs   map[string]any `json:"inputs"`
	Upstream map[string]any `json:"upstream"`
}

// CancelRequest cancels every line and row of a run.
type CancelRequest struct {
	RunID string `json:"run_id" binding:"required"`
}

// InvokeRequest carries a model tool call's arguments.
type InvokeRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

// ErrorResponse carries a structured engine error.
type ErrorResponse struct {
	Error *dragonflow.ErrorDetail `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   ServiceName,
		"flow_id":   s.engine.Flow().ID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) executeFlow(c *gin.Context) {
	var req FlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, dragonflow.NewValidationError("request", "invalid flow request", err))
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx := c.Request.Context()

	var result *dragonflow.LineResult
	if s.cfg.UseWorkers {
		var err error
		if result, err = s.engine.Dispatch(ctx, req.RunID, req.Index, req.Inputs); err != nil {
			respondError(c, err)
			return
		}
	} else {
		result = s.engine.RunLine(ctx, req.RunID, req.Index, req.Inputs)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) executeNode(c *gin.Context) {
	var req NodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, dragonflow.NewValidationError("request", "invalid node request", err))
		return
	}
	run, err := s.engine.ExecuteNode(c.Request.Context(), executor.NodeRequest{
		RunID:    req.RunID,
		Node:     req.Node,
		Inputs:   req.Inputs,
		Upstream: req.Upstream,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, dragonflow.NewValidationError("request", "invalid cancel request", err))
		return
	}
	active := s.engine.Cancel(req.RunID)
	s.log.Info("Run canceled", logging.Fields(logging.FieldRunID, req.RunID, "active", active))
	c.JSON(http.StatusOK, gin.H{"status": "canceled", "run_id": req.RunID, "active": active})
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.engine.Tools()})
}

func (s *Server) invokeTool(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, dragonflow.NewValidationError("request", "invalid invoke request", err))
		return
	}
	name := c.Param("name")
	out, err := s.engine.InvokeTool(c.Request.Context(), name, req.Arguments)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool": name, "output": out})
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: dragonflow.FromError(err)})
}

func statusFor(err error) int {
	switch dragonflow.CodeOf(err) {
	case dragonflow.ErrCodeValidation, dragonflow.ErrCodeArgResolution, dragonflow.ErrCodeFlowValidation:
		return http.StatusBadRequest
	case dragonflow.ErrCodeToolNotFound:
		return http.StatusNotFound
	case dragonflow.ErrCodeCancelled:
		return http.StatusConflict
	case dragonflow.ErrCodeLineTimeout, dragonflow.ErrCodeBatchTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
