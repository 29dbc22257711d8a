package handler

import (
	"time"

	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// LedgerHandler exposes operator ledger tools.
type LedgerHandler struct {
	ledger ports.LedgerService
}

func NewLedgerHandler(ledger ports.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// GetEntry handles GET /api/v1/ledger/entries/:id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entry, err := h.ledger.GetEntry(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// Settle handles POST /api/v1/ledger/entries/:id/settle.
func (h *LedgerHandler) Settle(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entry, err := h.ledger.Settle(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// Reverse handles POST /api/v1/ledger/entries/:id/reverse.
func (h *LedgerHandler) Reverse(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.ReverseEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	compensating, err := h.ledger.Reverse(c.Request.Context(), id, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, compensating)
}

// Reconciliation handles GET /api/v1/ledger/reconciliation?date=YYYY-MM-DD.
// The date defaults to yesterday (UTC).
func (h *LedgerHandler) Reconciliation(c *gin.Context) {
	date := time.Now().UTC().AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			response.Error(c, apperror.Validation("date must be YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Adjust handles POST /api/v1/ledger/adjustments.
func (h *LedgerHandler) Adjust(c *gin.Context) {
	var req dto.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	entry, err := h.ledger.Post(c.Request.Context(), adjustmentPosting(c, req))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// AdjustBatch handles POST /api/v1/ledger/adjustments/batch. Either every
// adjustment posts or none does.
func (h *LedgerHandler) AdjustBatch(c *gin.Context) {
	var req dto.BatchAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	params := make([]domain.PostingParams, len(req.Adjustments))
	for i := range req.Adjustments {
		dto.SanitizeStruct(&req.Adjustments[i])
		params[i] = adjustmentPosting(c, req.Adjustments[i])
	}

	entries, err := h.ledger.PostBatch(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entries)
}

// adjustmentPosting maps a bound request; amount, kind and direction were
// already checked by the binding tags.
func adjustmentPosting(c *gin.Context, req dto.AdjustmentRequest) domain.PostingParams {
	direction := domain.Direction(req.Direction)
	kind := domain.PostingDeposit
	if direction == domain.DirectionDebit {
		kind = domain.PostingWithdrawal
	}

	meta := map[string]string{domain.MetaReason: req.Reason, domain.MetaSource: "operator"}
	if actor, ok := middleware.UserID(c); ok {
		meta["actor_id"] = actor.String()
	}

	return domain.PostingParams{
		UserID:      req.UserID,
		AccountKind: domain.AccountKind(req.AccountKind),
		Currency:    req.Currency,
		Direction:   direction,
		PostingKind: kind,
		Type:        domain.EntryTypeAdjustment,
		Amount:      decimal.RequireFromString(req.Amount),
		ReferenceID: "adjustment:" + req.Reference,
		Metadata:    meta,
	}
}
