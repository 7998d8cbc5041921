package telephony

import (
	"errors"
	"net/http"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/reconcile"
	"callcenter-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WebhookHandler terminates the provider → ingest → resolve → reconcile flow.
//
// Response policy: providers must never be made to retry on data we cannot
// use. Unresolvable or rejected events still acknowledge with 200; only
// malformed (400) and unsigned (403) payloads are refused.
type WebhookHandler struct {
	Resolver   *reconcile.Resolver
	Reconciler *reconcile.Reconciler
	Validator  *SignatureValidator

	Now func() time.Time
}

func (h WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleStatusCallback processes a leg status event.
func (h WebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)

	provider := c.Param("provider")
	if !calls.KnownProvider(provider) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	ev, err := ParseStatusCallback(provider, c.Request, h.now())
	if err != nil {
		log.Warn("webhook parse failed", "provider", provider, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}

	if h.Validator != nil && !h.Validator.Valid(c.Request) {
		log.Warn("webhook signature rejected", "provider", provider, "leg_sid", ev.LegSID)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	res, err := h.Resolver.Resolve(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnresolvedLeg) {
			// Orphaned event: nothing to attach it to, and a bare status
			// webhook never creates a record.
			log.Info("webhook discarded: unresolved leg",
				"provider", provider, "leg_sid", ev.LegSID, "status", ev.ProviderStatus)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		log.Error("leg resolution failed", "provider", provider, "leg_sid", ev.LegSID, "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	out, err := h.Reconciler.ApplyEvent(c.Request.Context(), res, ev)
	if err != nil {
		log.Error("reconciliation write failed",
			"call_id", res.Record.CallID, "leg_sid", ev.LegSID, "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if !out.Applied {
		log.Info("webhook ignored",
			"call_id", res.Record.CallID, "leg", string(res.Leg),
			"event_status", ev.ProviderStatus, "reason", string(out.Reason))
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": string(out.Reason)})
		return
	}

	log.Debug("webhook applied",
		"call_id", out.Record.CallID, "leg", string(res.Leg), "status", string(out.Record.Status))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleAnswer serves TwiML when the agent leg is answered: bridge it to the
// contact number. The dial creates the secondary leg.
func (h WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	provider := c.Param("provider")
	if !calls.KnownProvider(provider) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	ev, err := ParseStatusCallback(provider, c.Request, h.now())
	if err != nil {
		log.Warn("answer webhook parse failed", "provider", provider, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}
	if h.Validator != nil && !h.Validator.Valid(c.Request) {
		log.Warn("answer webhook signature rejected", "provider", provider, "leg_sid", ev.LegSID)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	res, err := h.Resolver.Resolve(c.Request.Context(), ev)
	if err != nil {
		log.Info("answer webhook for unknown leg, hanging up", "leg_sid", ev.LegSID)
		writeTwiML(c, mustRender(RenderHangup))
		return
	}

	twiml, err := RenderDial(res.Record.To, res.Record.From)
	if err != nil {
		log.Error("twiml render failed", "call_id", res.Record.CallID, "err", err)
		writeTwiML(c, mustRender(RenderHangup))
		return
	}
	writeTwiML(c, twiml)
}

func writeTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}

func mustRender(f func() (string, error)) string {
	s, err := f()
	if err != nil {
		// Static verbs cannot fail to render.
		return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup></Hangup></Response>`
	}
	return s
}
