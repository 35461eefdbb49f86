package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindUpstream          Kind = "upstream"
	KindTimeout           Kind = "timeout"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// Error is the single tagged error type returned by the domain services.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so a sentinel compares equal to any copy carrying a
// different message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e with a more specific user-facing message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// New builds a tagged error.
func New(kind Kind, code string, status int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Status: status}
}

// Wrap attaches cause to a copy of e.
func Wrap(e *Error, cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// As extracts the tagged error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for untagged errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status carried by err, 500 for untagged errors.
func StatusOf(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

var (
	ErrUserNotFound       = New(KindNotFound, "USER_NOT_FOUND", http.StatusNotFound, "user not found")
	ErrUserBanned         = New(KindForbidden, "USER_BANNED", http.StatusForbidden, "account is banned")
	ErrUnauthorized       = New(KindForbidden, "UNAUTHORIZED", http.StatusUnauthorized, "authentication required")
	ErrAdminRequired      = New(KindForbidden, "ADMIN_REQUIRED", http.StatusForbidden, "admin privileges required")
	ErrNotOwner           = New(KindForbidden, "NOT_OWNER", http.StatusForbidden, "resource belongs to another account")
	ErrInsufficientCredit = New(KindInsufficientFunds, "INSUFFICIENT_CREDITS", http.StatusPaymentRequired, "not enough credits")
	ErrInsufficientFunds  = New(KindInsufficientFunds, "INSUFFICIENT_BALANCE", http.StatusPaymentRequired, "not enough referral balance")
	ErrConcurrentUpdate   = New(KindConflict, "CONCURRENT_UPDATE", http.StatusConflict, "balance changed concurrently, retry the request")
	ErrDuplicateRequest   = New(KindConflict, "DUPLICATE_REQUEST", http.StatusConflict, "request already submitted")
	ErrRequestInProgress  = New(KindConflict, "REQUEST_IN_PROGRESS", http.StatusConflict, "another request for this resource is in progress")
	ErrRateLimited        = New(KindLimitExceeded, "RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests, "too many generations started, try again later")
	ErrMaxActive          = New(KindLimitExceeded, "MAX_ACTIVE_GENERATIONS", http.StatusConflict, "too many generations in progress")

	ErrGenerationNotFound = New(KindNotFound, "GENERATION_NOT_FOUND", http.StatusNotFound, "generation not found")
	ErrGenerationFinished = New(KindConflict, "GENERATION_FINISHED", http.StatusConflict, "generation already finished")
	ErrModelUnavailable   = New(KindUpstream, "MODEL_UNAVAILABLE", http.StatusServiceUnavailable, "generation provider is unavailable")
	ErrGenerationTimeout  = New(KindTimeout, "GENERATION_TIMEOUT", http.StatusGatewayTimeout, "generation timed out")
	ErrInvalidParams      = New(KindValidation, "INVALID_PARAMS", http.StatusBadRequest, "invalid generation parameters")

	ErrPaymentNotFound      = New(KindNotFound, "PAYMENT_NOT_FOUND", http.StatusNotFound, "payment not found")
	ErrPaymentProcessed     = New(KindConflict, "PAYMENT_ALREADY_PROCESSED", http.StatusConflict, "payment already processed")
	ErrInvalidPackage       = New(KindValidation, "INVALID_PACKAGE", http.StatusBadRequest, "unknown credit package")
	ErrWithdrawalNotFound   = New(KindNotFound, "WITHDRAWAL_NOT_FOUND", http.StatusNotFound, "withdrawal not found")
	ErrWithdrawalProcessed  = New(KindConflict, "WITHDRAWAL_ALREADY_PROCESSED", http.StatusConflict, "withdrawal already processed")
	ErrWithdrawalInProgress = New(KindConflict, "WITHDRAWAL_IN_PROGRESS", http.StatusConflict, "a withdrawal is already pending")
	ErrMinimumWithdrawal    = New(KindValidation, "MINIMUM_WITHDRAWAL", http.StatusBadRequest, "amount is below the minimum withdrawal")
	ErrInvalidCard          = New(KindValidation, "INVALID_CARD", http.StatusBadRequest, "card number is not accepted")
	ErrReferralCodeNotFound = New(KindNotFound, "REFERRAL_CODE_NOT_FOUND", http.StatusNotFound, "referral code not found")
	ErrSelfReferral         = New(KindValidation, "SELF_REFERRAL", http.StatusBadRequest, "cannot use your own referral code")
	ErrValidation           = New(KindValidation, "VALIDATION_ERROR", http.StatusBadRequest, "invalid request")
)
