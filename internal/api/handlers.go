package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"botfleet/internal/meter"
	"botfleet/internal/orchestrator"
	"botfleet/internal/registry"
	"botfleet/internal/supervisor"
)

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrBotNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownStrategy),
		errors.Is(err, orchestrator.ErrInvalidCapital):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrStartTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrNotPaused):
		return http.StatusConflict
	}

	if _, ok := meter.IsQuotaError(err); ok {
		return http.StatusTooManyRequests
	}
	var ce *registry.ConflictError
	if errors.As(err, &ce) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error":  err.Error(),
		"reason": orchestrator.DenialReason(err),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.strategies.Tags()})
}

type createBotRequest struct {
	BotID    string          `json:"bot_id"`
	Strategy string          `json:"strategy" binding:"required"`
	Capital  float64         `json:"capital" binding:"required"`
	Params   json.RawMessage `json:"params"`
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.orch.CreateAndStart(c.Request.Context(), orchestrator.CreateRequest{
		TenantID: tenantFrom(c),
		BotID:    req.BotID,
		Strategy: req.Strategy,
		Capital:  req.Capital,
		Params:   req.Params,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleListBots(c *gin.Context) {
	status, err := s.orch.TenantStatus(c.Request.Context(), tenantFrom(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": status.Bots})
}

func (s *Server) handleBotStatus(c *gin.Context) {
	inst, err := s.orch.Status(tenantFrom(c), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bot":    inst,
		"uptime": inst.Uptime(time.Now()).String(),
	})
}

func (s *Server) handleStopBot(c *gin.Context) {
	if err := s.orch.Stop(c.Request.Context(), tenantFrom(c), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleRestartBot(c *gin.Context) {
	inst, err := s.orch.Restart(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handlePauseBot(c *gin.Context) {
	if err := s.orch.Pause(tenantFrom(c), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResumeBot(c *gin.Context) {
	if err := s.orch.Resume(tenantFrom(c), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleStartAll(c *gin.Context) {
	started, err := s.orch.StartAll(c.Request.Context(), tenantFrom(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"started": started,
			"error":   err.Error(),
			"reason":  orchestrator.DenialReason(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (s *Server) handleStopAll(c *gin.Context) {
	stopped, err := s.orch.ForceStopAll(c.Request.Context(), tenantFrom(c), "requested by tenant")
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) handleTenantStatus(c *gin.Context) {
	status, err := s.orch.TenantStatus(c.Request.Context(), tenantFrom(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleTenantTelemetry prefers the Redis copy of the flushed summary
// and falls back to the live aggregator through the orchestrator.
func (s *Server) handleTenantTelemetry(c *gin.Context) {
	tenantID := tenantFrom(c)

	if s.summaries != nil {
		if summary, ok := s.summaries.TenantSummary(c.Request.Context(), tenantID); ok {
			c.JSON(http.StatusOK, gin.H{"telemetry": summary, "source": "cache"})
			return
		}
	}

	status, err := s.orch.TenantStatus(c.Request.Context(), tenantID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"telemetry": status.Telemetry, "source": "live"})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.SystemStatus())
}

type forceStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleForceStop(c *gin.Context) {
	var req forceStopRequest
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "administrative action"
	}

	stopped, err := s.orch.ForceStopAll(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

// handleGlobalForceStop sweeps every tenant's fleet. The orchestrator
// keeps admitting afterwards; this is an emergency brake, not shutdown.
func (s *Server) handleGlobalForceStop(c *gin.Context) {
	var req forceStopRequest
	c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "administrative action"
	}

	stopped, err := s.orch.ForceStopAll(c.Request.Context(), "", req.Reason)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}
