package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type auditRoute struct {
	action       domain.AuditAction
	resourceType string
}

// auditedRoutes keys are "METHOD route-pattern".
var auditedRoutes = map[string]auditRoute{
	"POST /api/v1/settlements":                 {domain.AuditActionCreateSettlement, "settlement"},
	"POST /api/v1/settlements/:id/cancel":      {domain.AuditActionCancel, "settlement"},
	"POST /api/v1/settlements/:id/transitions": {domain.AuditActionForceTransition, "settlement"},
	"POST /api/v1/settlements/:id/review":      {domain.AuditActionResolveReview, "settlement"},
	"POST /api/v1/ledger/entries/:id/settle":   {domain.AuditActionSettleEntry, "ledger_entry"},
	"POST /api/v1/ledger/entries/:id/reverse":  {domain.AuditActionReverseEntry, "ledger_entry"},
	"POST /api/v1/ledger/adjustments":          {domain.AuditActionAdjust, "ledger_entry"},
	"POST /api/v1/ledger/adjustments/batch":    {domain.AuditActionAdjust, "ledger_entry"},
	"POST /api/v1/accounts/:id/freeze":         {domain.AuditActionFreezeAccount, "account"},
	"POST /api/v1/accounts/:id/unfreeze":       {domain.AuditActionUnfreezeAccount, "account"},
}

// AuditLog records successful writes on audited routes after the handler ran.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}

		route, ok := auditedRoutes[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		var actorID *uuid.UUID
		if id, ok := UserID(c); ok {
			actorID = &id
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
			"role":   Role(c),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:           uuid.New(),
			ActorID:      actorID,
			Action:       route.action,
			ResourceType: route.resourceType,
			ResourceID:   c.Param("id"),
			IPAddress:    c.ClientIP(),
			Details:      string(details),
			CreatedAt:    time.Now().UTC(),
		})
	}
}
