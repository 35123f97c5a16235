package model

import "errors"

// Caller errors. None of them leave partial state behind.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("batch id already exists")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("owner credentials invalid")
)

// Transfer token validation failures, in the order Consume checks them.
var (
	ErrInvalidCode   = errors.New("invalid code")
	ErrRevoked       = errors.New("code revoked")
	ErrAlreadyUsed   = errors.New("code used")
	ErrRoleMismatch  = errors.New("role mismatch")
	ErrNotYetActive  = errors.New("code not active yet")
	ErrExpired       = errors.New("code expired")
	ErrOwnerMismatch = errors.New("owner_id mismatch")
	ErrNameMismatch  = errors.New("owner_name mismatch")
)

// ErrExternalAnchor means the anchoring ledger was unreachable, timed out or
// rejected the submission. Safe to retry.
var ErrExternalAnchor = errors.New("external anchor failure")

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrConflict, "conflict"},
	{ErrNotFound, "not_found"},
	{ErrForbidden, "forbidden"},
	{ErrInvalidCode, "invalid_code"},
	{ErrRevoked, "revoked"},
	{ErrAlreadyUsed, "already_used"},
	{ErrRoleMismatch, "role_mismatch"},
	{ErrNotYetActive, "not_yet_active"},
	{ErrExpired, "expired"},
	{ErrOwnerMismatch, "owner_mismatch"},
	{ErrNameMismatch, "name_mismatch"},
	{ErrExternalAnchor, "external_anchor_failure"},
}

// ErrorCode returns the stable machine-readable code for err, or "internal".
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// IsTransferFailure reports whether err is a transfer token validation failure.
func IsTransferFailure(err error) bool {
	for _, e := range []error{
		ErrInvalidCode, ErrRevoked, ErrAlreadyUsed, ErrRoleMismatch,
		ErrNotYetActive, ErrExpired, ErrOwnerMismatch, ErrNameMismatch,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
