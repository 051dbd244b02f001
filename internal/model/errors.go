package model

import (
	"errors"
	"fmt"
)

// Code is a stable, transport-independent error identifier.
type Code string

const (
	CodeUnknownAsset          Code = "UnknownAsset"
	CodeInvalidOrder          Code = "InvalidOrder"
	CodeInsufficientPosition  Code = "InsufficientPosition"
	CodeInsufficientLiquidity Code = "InsufficientLiquidity"
	CodeNotFound              Code = "NotFound"
	CodeUnauthorized          Code = "Unauthorized"
	CodeNotCancellable        Code = "NotCancellable"
	CodeInvalidTransition     Code = "InvalidTransition"
	CodePositionLocked        Code = "PositionLocked"
	CodeInsufficientHoldings  Code = "InsufficientHoldings"
	CodeInvalidRequest        Code = "InvalidRequest"
	CodeAlreadyExists         Code = "AlreadyExists"
)

// Error is a domain error carrying a stable code and a human-readable
// message. Two Errors match under errors.Is when their codes are equal, so a
// detailed error built with Errorf still matches the package sentinel.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors. Compare with errors.Is.
// ──────────────────────────────────────────────────────────────────────────────

var (
	ErrUnknownAsset          = &Error{Code: CodeUnknownAsset, Message: "unknown asset"}
	ErrInvalidOrder          = &Error{Code: CodeInvalidOrder, Message: "invalid order"}
	ErrInsufficientPosition  = &Error{Code: CodeInsufficientPosition, Message: "insufficient position"}
	ErrInsufficientLiquidity = &Error{Code: CodeInsufficientLiquidity, Message: "insufficient liquidity"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotCancellable        = &Error{Code: CodeNotCancellable, Message: "not cancellable"}
	ErrInvalidTransition     = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrPositionLocked        = &Error{Code: CodePositionLocked, Message: "position is locked by a pending redemption"}
	ErrInsufficientHoldings  = &Error{Code: CodeInsufficientHoldings, Message: "redemption requires the full token supply"}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrAlreadyExists         = &Error{Code: CodeAlreadyExists, Message: "already exists"}
)

// CodeOf returns the code of the first *Error in err's chain, or "" when err
// carries no domain code (an infrastructure failure).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
