package store

import "errors"

// Sentinel errors returned by every store implementation
var (
	ErrNotFound             = errors.New("not found")
	ErrOutOfStock           = errors.New("out of stock")
	ErrMenuClosed           = errors.New("reservation window closed")
	ErrDuplicateReservation = errors.New("active reservation already exists")
	ErrPickupCodeTaken      = errors.New("pickup code already taken")
	ErrMenuInUse            = errors.New("menu has live reservations")
	ErrNoCredits            = errors.New("no credits left")
)
