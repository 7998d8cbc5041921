package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/callops"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/health"
	"callcenter-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers delegates HTTP requests to internal services. No business logic
// lives here; every handler is parse, call, translate.
type Handlers struct {
	Calls  *callops.Service
	Health *health.Service
}

type startCallRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// StartCall places an outbound call for the authenticated workspace.
func (h Handlers) StartCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
		return
	}

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())

	rec, err := h.Calls.Start(c.Request.Context(), callops.StartRequest{
		WorkspaceID: workspaceID,
		UserID:      userID,
		From:        req.From,
		To:          req.To,
	})
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, callops.ErrTooManyCalls):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "concurrent call limit reached"})
		return
	case errors.Is(err, callops.ErrCallFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
		return
	default:
		log.Error("call start failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"callId":     rec.CallID,
		"status":     string(rec.Status),
		"externalId": rec.PrimaryLegSID,
	})
}

// CallStatus serves the polling endpoint used by client call sessions.
func (h Handlers) CallStatus(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace required"})
		return
	}

	view, err := h.Calls.Status(c.Request.Context(), workspaceID, c.Param("call_id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type endCallRequest struct {
	Force bool `json:"force"`
}

// EndCall hangs up and finalizes a call.
func (h Handlers) EndCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req endCallRequest
	_ = c.ShouldBindJSON(&req) // empty body means force=false

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())

	rec, err := h.Calls.End(c.Request.Context(), workspaceID, c.Param("call_id"), userID, req.Force)
	if err != nil {
		log.Warn("call end failed", "call_id", c.Param("call_id"), "err", err)
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"callId": rec.CallID,
		"status": string(rec.Status),
	})
}

type markTimeoutRequest struct {
	TimeoutStage string    `json:"timeoutStage" binding:"required"`
	TimeoutAt    time.Time `json:"timeoutAt"`
}

// MarkTimeout records a client-watchdog-declared timeout. The write is
// rejected (applied=false) if a real terminal status beat it.
func (h Handlers) MarkTimeout(c *gin.Context) {
	var req markTimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "timeoutStage is required"})
		return
	}

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace required"})
		return
	}

	rec, applied, err := h.Calls.MarkTimeout(c.Request.Context(), workspaceID, c.Param("call_id"), req.TimeoutStage, req.TimeoutAt)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"callId":  rec.CallID,
		"status":  string(rec.Status),
		"applied": applied,
	})
}

// CallHealth reports whether call status tracking looks functional for the
// workspace. Advisory only.
func (h Handlers) CallHealth(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace required"})
		return
	}

	rep, err := h.Health.Check(c.Request.Context(), workspaceID)
	if err != nil {
		logger.FromGin(c).Error("health check failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
