package main

import (
	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/rbac"
	"callcenter-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, webhooks telephony.WebhookHandler, api httpapi.Handlers) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public; authenticity enforced by signature validation
	// inside the handler).
	r.POST("/webhooks/:provider/status", webhooks.HandleStatusCallback)
	r.POST("/webhooks/:provider/answer", webhooks.HandleAnswer)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// AUTH routes (token issuance).
		// NOTE: Placeholder until a user directory exists; credential validation
		// cannot be implemented against nothing.
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", func(c *gin.Context) {
				c.AbortWithStatusJSON(501, gin.H{"error": "login handler not wired (requires user directory)"})
			})
		}

		// CALLS routes
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireWorkspace())
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAgent, rbac.RoleSuperAdmin))
		{
			callsGroup.POST("/start", api.StartCall)
			callsGroup.GET("/:call_id/status", api.CallStatus)
			callsGroup.POST("/:call_id/end", api.EndCall)
			callsGroup.POST("/:call_id/timeout", api.MarkTimeout)
		}

		// HEALTH routes (advisory call-tracking diagnostics)
		healthGroup := v1.Group("/health")
		healthGroup.Use(rbac.RequireWorkspace())
		healthGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst, rbac.RoleSuperAdmin))
		{
			healthGroup.GET("/calls", api.CallHealth)
		}
	}
}
