// Package credential seals and checks the owner codes that guard transfer
// authorization. The ledger only ever sees sealed values, so the scheme can be
// swapped without touching the transfer state machine.
package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxBcryptSecret is the longest secret bcrypt accepts, in bytes.
const MaxBcryptSecret = 72

var (
	// ErrEmptySecret is returned when asked to seal an empty code.
	ErrEmptySecret = errors.New("credential: empty secret")
	// ErrSecretTooLong is returned when a code exceeds what the scheme can seal.
	ErrSecretTooLong = errors.New("credential: secret too long")
)

// Credential seals secrets for storage and matches presented secrets
// against a sealed value.
type Credential interface {
	Seal(secret string) (string, error)
	Match(sealed, presented string) bool
}

// Plain stores codes as given and compares them in constant time. It matches
// records written by deployments that kept plaintext owner codes.
type Plain struct{}

// Seal implements Credential.
func (Plain) Seal(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	return secret, nil
}

// Match implements Credential.
func (Plain) Match(sealed, presented string) bool {
	if sealed == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sealed), []byte(presented)) == 1
}

// Bcrypt stores bcrypt hashes of owner codes.
type Bcrypt struct {
	Cost int
}

// Seal implements Credential.
func (b Bcrypt) Seal(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if len(secret) > MaxBcryptSecret {
		return "", fmt.Errorf("%w: %d bytes, at most %d", ErrSecretTooLong, len(secret), MaxBcryptSecret)
	}
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash owner code: %w", err)
	}
	return string(h), nil
}

// Match implements Credential.
func (Bcrypt) Match(sealed, presented string) bool {
	if sealed == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(sealed), []byte(presented)) == nil
}

// New returns the credential scheme registered under name: "plain" or "bcrypt".
func New(name string) (Credential, error) {
	switch name {
	case "", "plain":
		return Plain{}, nil
	case "bcrypt":
		return Bcrypt{}, nil
	default:
		return nil, fmt.Errorf("unknown credential scheme %q", name)
	}
}
