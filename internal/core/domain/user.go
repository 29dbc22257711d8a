package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserStatus mirrors the user directory's account status.
type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
	UserStatusClosed    UserStatus = "CLOSED"
)

// User is the engine's read model of a platform user.
type User struct {
	ID           uuid.UUID        `json:"id"`
	Status       UserStatus       `json:"status"`
	DailyLimit   *decimal.Decimal `json:"daily_limit,omitempty"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit,omitempty"`
}

// IsActive returns true if the user may start new settlements.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// Limits resolves the user's movement limits, falling back to the defaults.
// A zero limit means unlimited.
func (u *User) Limits(defaultDaily, defaultMonthly decimal.Decimal) (daily, monthly decimal.Decimal) {
	daily, monthly = defaultDaily, defaultMonthly
	if u.DailyLimit != nil {
		daily = *u.DailyLimit
	}
	if u.MonthlyLimit != nil {
		monthly = *u.MonthlyLimit
	}
	return daily, monthly
}
