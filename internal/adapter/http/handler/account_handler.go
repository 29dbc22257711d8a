package handler

import (
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccountHandler serves balance reads and operator freezes.
type AccountHandler struct {
	accounts ports.AccountStore
}

func NewAccountHandler(accounts ports.AccountStore) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// List handles GET /api/v1/accounts. Operators may pass ?user_id=.
func (h *AccountHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}
	if raw := c.Query("user_id"); raw != "" && middleware.IsOperator(c) {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(c, apperror.Validation("user_id must be a UUID"))
			return
		}
		userID = id
	}

	accounts, err := h.accounts.ListBalances(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, accounts)
}

// Freeze handles POST /api/v1/accounts/:id/freeze.
func (h *AccountHandler) Freeze(c *gin.Context) {
	h.setFrozen(c, true)
}

// Unfreeze handles POST /api/v1/accounts/:id/unfreeze.
func (h *AccountHandler) Unfreeze(c *gin.Context) {
	h.setFrozen(c, false)
}

func (h *AccountHandler) setFrozen(c *gin.Context, frozen bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	acc, err := h.accounts.SetFrozen(c.Request.Context(), id, frozen)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, acc)
}
