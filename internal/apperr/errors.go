// Package apperr defines the error taxonomy shared by the reservation engine
// and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and transport decisions
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindExpired         Kind = "expired"
	KindExternalGateway Kind = "external_gateway"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
)

// Error codes
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeOutOfStock           = "OUT_OF_STOCK"
	CodeDuplicateReservation = "DUPLICATE_RESERVATION"
	CodeAlreadyPickedUp      = "ALREADY_PICKED_UP"
	CodeAlreadyConfirmed     = "ALREADY_CONFIRMED"
	CodeNoCredits            = "NO_CREDITS"
	CodeMenuInUse            = "MENU_IN_USE"
	CodePickupInProgress     = "PICKUP_IN_PROGRESS"
	CodeMenuClosed           = "MENU_CLOSED"
	CodeReservationExpired   = "RESERVATION_EXPIRED"
	CodeDeltaExpired         = "DELTA_EXPIRED"
	CodeNotPaid              = "NOT_PAID"
	CodeWrongCafeteria       = "WRONG_CAFETERIA"
	CodeNotFound             = "NOT_FOUND"
	CodeGatewayUnavailable   = "GATEWAY_UNAVAILABLE"
	CodeForbidden            = "FORBIDDEN"
	CodeTooManyStaged        = "TOO_MANY_STAGED"
)

var codeKinds = map[string]Kind{
	CodeInvalidInput:         KindValidation,
	CodeNotPaid:              KindValidation,
	CodeWrongCafeteria:       KindValidation,
	CodeOutOfStock:           KindConflict,
	CodeDuplicateReservation: KindConflict,
	CodeAlreadyPickedUp:      KindConflict,
	CodeAlreadyConfirmed:     KindConflict,
	CodeNoCredits:            KindConflict,
	CodeMenuInUse:            KindConflict,
	CodePickupInProgress:     KindConflict,
	CodeTooManyStaged:        KindConflict,
	CodeMenuClosed:           KindExpired,
	CodeReservationExpired:   KindExpired,
	CodeDeltaExpired:         KindExpired,
	CodeNotFound:             KindNotFound,
	CodeGatewayUnavailable:   KindExternalGateway,
	CodeForbidden:            KindForbidden,
}

// Error is a classified domain error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.OutOfStock) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an error for code, deriving its kind
func New(code, format string, args ...any) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error for code that wraps cause
func Wrap(cause error, code, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Err = cause
	return e
}

func kindOf(code string) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindValidation
}

// Sentinels for errors.Is comparisons
var (
	OutOfStock           = &Error{Kind: KindConflict, Code: CodeOutOfStock}
	DuplicateReservation = &Error{Kind: KindConflict, Code: CodeDuplicateReservation}
	AlreadyPickedUp      = &Error{Kind: KindConflict, Code: CodeAlreadyPickedUp}
	AlreadyConfirmed     = &Error{Kind: KindConflict, Code: CodeAlreadyConfirmed}
	NoCredits            = &Error{Kind: KindConflict, Code: CodeNoCredits}
	MenuInUse            = &Error{Kind: KindConflict, Code: CodeMenuInUse}
	PickupInProgress     = &Error{Kind: KindConflict, Code: CodePickupInProgress}
	MenuClosed           = &Error{Kind: KindExpired, Code: CodeMenuClosed}
	ReservationExpired   = &Error{Kind: KindExpired, Code: CodeReservationExpired}
	DeltaExpired         = &Error{Kind: KindExpired, Code: CodeDeltaExpired}
	NotPaid              = &Error{Kind: KindValidation, Code: CodeNotPaid}
	WrongCafeteria       = &Error{Kind: KindValidation, Code: CodeWrongCafeteria}
	NotFound             = &Error{Kind: KindNotFound, Code: CodeNotFound}
	GatewayUnavailable   = &Error{Kind: KindExternalGateway, Code: CodeGatewayUnavailable}
	Forbidden            = &Error{Kind: KindForbidden, Code: CodeForbidden}
	TooManyStaged        = &Error{Kind: KindConflict, Code: CodeTooManyStaged}
	InvalidInput         = &Error{Kind: KindValidation, Code: CodeInvalidInput}
)

// KindOf returns the kind of the first *Error in err's chain, or "" when unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or "" when unclassified
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err may be retried by the caller. Conflicts never are:
// retrying a stock conflict would hide real exhaustion.
func Retryable(err error) bool {
	return KindOf(err) == KindExternalGateway
}
