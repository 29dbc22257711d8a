package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

const (
	CodeValidation             = "VAL_001"
	CodeInvalidTransition      = "STM_001"
	CodeCancellationNotAllowed = "STM_002"
	CodeComplianceReview       = "STM_003"
	CodeInsufficientBalance    = "LED_001"
	CodeAccountFrozen          = "LED_002"
	CodeAlreadyReversed        = "LED_003"
	CodeEntryNotPending        = "LED_004"
	CodeComplianceRejected     = "CMP_001"
	CodeLimitExceeded          = "LIM_001"
	CodeUserInactive           = "USR_001"
	CodeNotFound               = "RES_001"
	CodeExternalTimeout        = "EXT_001"
	CodeExternalFailure        = "EXT_002"
	CodeInternal               = "SYS_001"
	CodeStorageConflict        = "SYS_002"
	CodeInvalidToken           = "AUTH_001"
	CodeForbidden              = "AUTH_002"
	CodeInvalidSignature       = "AUTH_003"
	CodeTimestampExpired       = "AUTH_004"
	CodeNonceUsed              = "AUTH_005"
	CodeRateLimitExceeded      = "RATE_001"
)

// ---- Validation (VAL) ----

// Validation returns a 400 error with a custom message.
func Validation(msg string) *AppError {
	return New(CodeValidation, msg, http.StatusBadRequest)
}

// ---- State machine (STM) ----

func ErrInvalidTransition(from, to string) *AppError {
	return New(CodeInvalidTransition, fmt.Sprintf("Transition %s -> %s is not allowed", from, to), http.StatusConflict)
}

func ErrCancellationNotAllowed(state string) *AppError {
	return New(CodeCancellationNotAllowed, fmt.Sprintf("Settlement in state %s cannot be cancelled", state), http.StatusConflict)
}

func ErrComplianceReview() *AppError {
	return New(CodeComplianceReview, "Settlement is awaiting compliance approval", http.StatusConflict)
}

// ---- Ledger (LED) ----

func ErrInsufficientBalance() *AppError {
	return New(CodeInsufficientBalance, "Insufficient available balance", http.StatusUnprocessableEntity)
}

func ErrAccountFrozen() *AppError {
	return New(CodeAccountFrozen, "Account is frozen", http.StatusForbidden)
}

func ErrAlreadyReversed() *AppError {
	return New(CodeAlreadyReversed, "Ledger entry already reversed", http.StatusConflict)
}

func ErrEntryNotPending() *AppError {
	return New(CodeEntryNotPending, "Ledger entry is not pending", http.StatusConflict)
}

// ---- Compliance & limits ----

func ErrComplianceRejected(reason string) *AppError {
	return New(CodeComplianceRejected, fmt.Sprintf("Compliance rejected: %s", reason), http.StatusUnprocessableEntity)
}

func ErrLimitExceeded(period string) *AppError {
	return New(CodeLimitExceeded, fmt.Sprintf("%s movement limit exceeded", period), http.StatusUnprocessableEntity)
}

func ErrUserInactive() *AppError {
	return New(CodeUserInactive, "User is not active", http.StatusForbidden)
}

// ---- Resources ----

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- External collaborators (EXT) ----

func ErrExternalTimeout(dependency string, err error) *AppError {
	return Wrap(CodeExternalTimeout, fmt.Sprintf("%s did not respond in time", dependency), http.StatusGatewayTimeout, err)
}

func ErrExternalFailure(dependency string, err error) *AppError {
	return Wrap(CodeExternalFailure, fmt.Sprintf("%s request failed", dependency), http.StatusBadGateway, err)
}

// ---- System (SYS) ----

// InternalError wraps an unexpected internal error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}

func ErrStorageConflict(err error) *AppError {
	return Wrap(CodeStorageConflict, "Concurrent update conflict, please retry", http.StatusServiceUnavailable, err)
}

// ---- Auth (AUTH) ----

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbidden() *AppError {
	return New(CodeForbidden, "Operator role required", http.StatusForbidden)
}

func ErrInvalidSignature() *AppError {
	return New(CodeInvalidSignature, "Invalid webhook signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New(CodeTimestampExpired, "Request timestamp outside the allowed window", http.StatusUnauthorized)
}

func ErrNonceUsed() *AppError {
	return New(CodeNonceUsed, "Nonce already used", http.StatusUnauthorized)
}

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}
