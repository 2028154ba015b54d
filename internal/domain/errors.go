package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrForbidden      = errors.New("forbidden")

	ErrInvalidState         = errors.New("invalid state")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrWarehouseUnresolved  = errors.New("warehouse unresolved")
	ErrPricingInconsistency = errors.New("pricing inconsistency")
	ErrReferenceNoExhausted = errors.New("reference number exhausted")

	ErrProviderDeclined         = errors.New("payment declined")
	ErrProviderTimeout          = errors.New("payment provider timeout")
	ErrProviderPermanentFailure = errors.New("payment provider permanent failure")
)
