package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenState is the lifecycle state of a transfer token.
type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenUsed    TokenState = "used"
	TokenRevoked TokenState = "revoked"
)

// DefaultValidDays is the transfer token lifetime when none is requested.
const DefaultValidDays = 14

// TransferToken is a single-use authorization for the next handoff of a batch.
type TransferToken struct {
	ID            uuid.UUID  `json:"id"`
	BatchID       string     `json:"batch_id"`
	Code          string     `json:"code,omitempty"`
	NextRole      Role       `json:"next_role"`
	NextOwnerID   string     `json:"next_owner_id"`
	NextOwnerName *string    `json:"next_owner_name,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Used          bool       `json:"used"`
	Revoked       bool       `json:"revoked"`
	CreatedAt     time.Time  `json:"created_at"`
}

// State derives the token state from its terminal flags. Revocation wins over
// use so a token is never reported active once either flag is set.
func (t *TransferToken) State() TokenState {
	switch {
	case t.Revoked:
		return TokenRevoked
	case t.Used:
		return TokenUsed
	default:
		return TokenActive
	}
}

// Active reports whether the token can still be consumed, ignoring its time window.
func (t *TransferToken) Active() bool { return t.State() == TokenActive }
