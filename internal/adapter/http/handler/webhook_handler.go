package handler

import (
	"context"
	"time"

	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/adapter/webhook"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// WebhookHandler turns signed provider callbacks into state transitions.
type WebhookHandler struct {
	settlements ports.SettlementService
	dedup       ports.EventDeduplicator
	claimTTL    time.Duration
	dedupTTL    time.Duration
	log         zerolog.Logger
}

func NewWebhookHandler(settlements ports.SettlementService, dedup ports.EventDeduplicator, claimTTL, dedupTTL time.Duration, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		settlements: settlements,
		dedup:       dedup,
		claimTTL:    claimTTL,
		dedupTTL:    dedupTTL,
		log:         log,
	}
}

// Receive handles POST /webhooks/:provider. Runs after ProviderAuth.
func (h *WebhookHandler) Receive(c *gin.Context) {
	provider := c.Param("provider")
	if !webhook.IsProvider(provider) {
		response.Error(c, apperror.ErrNotFound("webhook provider"))
		return
	}

	var ev webhook.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	tr, err := webhook.Normalize(provider, ev)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := c.Request.Context()
	key := webhook.DedupKey(provider, ev)

	// The state machine is idempotent per target state, so a dedup store
	// outage degrades to at-least-once processing.
	claimed, err := h.dedup.Claim(ctx, key, h.claimTTL)
	if err != nil {
		h.log.Warn().Err(err).Str("event_key", key).Msg("dedup store unavailable, processing without claim")
		claimed = true
	} else if !claimed {
		response.Accepted(c, dto.WebhookAck{Status: "duplicate", SettlementID: ev.SettlementID.String()})
		return
	}

	st, err := h.settlements.TransitionState(ctx, tr.SettlementID, tr.Target, tr.Metadata)
	if err != nil {
		if rerr := h.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
			h.log.Warn().Err(rerr).Str("event_key", key).Msg("release webhook claim")
		}
		h.log.Warn().Err(err).
			Str("provider", provider).
			Str("event_type", ev.EventType).
			Str("settlement_id", ev.SettlementID.String()).
			Msg("webhook transition rejected")
		response.Error(c, err)
		return
	}

	if err := h.dedup.Complete(context.WithoutCancel(ctx), key, h.dedupTTL); err != nil {
		h.log.Warn().Err(err).Str("event_key", key).Msg("complete webhook claim")
	}

	response.Accepted(c, dto.WebhookAck{
		Status:       "processed",
		SettlementID: st.ID.String(),
		State:        string(st.CurrentState),
	})
}
