package handler

import (
	"settlement-engine/internal/adapter/http/dto"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementHandler serves the settlement lifecycle endpoints.
type SettlementHandler struct {
	settlements ports.SettlementService
}

func NewSettlementHandler(settlements ports.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

// Create handles POST /api/v1/settlements.
func (h *SettlementHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.CreateSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	if req.UserID != nil && middleware.IsOperator(c) {
		userID = *req.UserID
	}

	source, err := decimal.NewFromString(req.SourceAmount)
	if err != nil {
		response.Error(c, apperror.Validation("source_amount must be a decimal"))
		return
	}
	var target decimal.Decimal
	if req.TargetAmount != "" {
		if target, err = decimal.NewFromString(req.TargetAmount); err != nil {
			response.Error(c, apperror.Validation("target_amount must be a decimal"))
			return
		}
	}

	st, err := h.settlements.CreateSettlement(c.Request.Context(), ports.CreateSettlementRequest{
		UserID:         userID,
		Type:           domain.SettlementType(req.Type),
		SourceAmount:   source,
		SourceCurrency: req.SourceCurrency,
		TargetAmount:   target,
		TargetCurrency: req.TargetCurrency,
		Provider:       req.Provider,
		Metadata:       req.Metadata,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, st)
}

// Get handles GET /api/v1/settlements/:id.
func (h *SettlementHandler) Get(c *gin.Context) {
	st, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, st)
}

// History handles GET /api/v1/settlements/:id/history.
func (h *SettlementHandler) History(c *gin.Context) {
	st, ok := h.load(c)
	if !ok {
		return
	}
	rows, err := h.settlements.ListHistory(c.Request.Context(), st.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rows)
}

// Entries handles GET /api/v1/settlements/:id/entries.
func (h *SettlementHandler) Entries(c *gin.Context) {
	st, ok := h.load(c)
	if !ok {
		return
	}
	entries, err := h.settlements.ListEntries(c.Request.Context(), st.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entries)
}

// Cancel handles POST /api/v1/settlements/:id/cancel.
func (h *SettlementHandler) Cancel(c *gin.Context) {
	st, ok := h.load(c)
	if !ok {
		return
	}

	var req dto.CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperror.Validation(err.Error()))
			return
		}
	}
	dto.SanitizeStruct(&req)

	updated, err := h.settlements.CancelSettlement(c.Request.Context(), st.ID, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, updated)
}

// Transition handles POST /api/v1/settlements/:id/transitions (operator).
func (h *SettlementHandler) Transition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	meta := domain.TransitionMetadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[domain.MetaIdempotencyKey] = "operator:" + req.IdempotencyKey
	meta[domain.MetaSource] = "operator"
	if req.Reason != "" {
		meta[domain.MetaReason] = req.Reason
	}

	st, err := h.settlements.TransitionState(c.Request.Context(), id, domain.State(req.TargetState), meta)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, st)
}

// Review handles POST /api/v1/settlements/:id/review (operator).
func (h *SettlementHandler) Review(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	st, err := h.settlements.ResolveReview(c.Request.Context(), id, *req.Approve, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, st)
}

// load fetches the :id settlement. Users only see their own settlements.
func (h *SettlementHandler) load(c *gin.Context) (*domain.Settlement, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	st, err := h.settlements.GetSettlement(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if !middleware.IsOperator(c) {
		if userID, _ := middleware.UserID(c); userID != st.UserID {
			response.Error(c, apperror.ErrNotFound("Settlement"))
			return nil, false
		}
	}
	return st, true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}
