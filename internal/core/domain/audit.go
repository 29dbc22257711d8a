package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited operator action.
type AuditAction string

const (
	AuditActionCreateSettlement AuditAction = "CREATE_SETTLEMENT"
	AuditActionCancel           AuditAction = "CANCEL_SETTLEMENT"
	AuditActionForceTransition  AuditAction = "FORCE_TRANSITION"
	AuditActionResolveReview    AuditAction = "RESOLVE_REVIEW"
	AuditActionSettleEntry      AuditAction = "SETTLE_ENTRY"
	AuditActionReverseEntry     AuditAction = "REVERSE_ENTRY"
	AuditActionAdjust           AuditAction = "ADJUST_BALANCE"
	AuditActionFreezeAccount    AuditAction = "FREEZE_ACCOUNT"
	AuditActionUnfreezeAccount  AuditAction = "UNFREEZE_ACCOUNT"
)

// AuditLog records a single audited action.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	ActorID      *uuid.UUID  `json:"actor_id,omitempty"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
}
