// Package wallet validates destination wallet addresses.
//
// Addresses are base58-encoded 32-byte ed25519 public keys. A destination
// must be a point on the curve so that its owner can sign for it; off-curve
// addresses are program-derived and cannot receive owner-signed transfers.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// AddressLen is the decoded length of a wallet address.
const AddressLen = 32

var (
	ErrEmptyAddress    = errors.New("wallet address is empty")
	ErrInvalidEncoding = errors.New("wallet address is not valid base58")
	ErrInvalidLength   = errors.New("wallet address has wrong length")
	ErrOffCurve        = errors.New("wallet address is not an ed25519 public key")
)

// ValidateAddress checks that addr is a usable destination.
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return ErrEmptyAddress
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(raw) != AddressLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(raw))
	}
	if !IsOnCurve(raw) {
		return ErrOffCurve
	}
	return nil
}

// IsOnCurve reports whether b encodes a point on the ed25519 curve.
func IsOnCurve(b []byte) bool {
	if len(b) != AddressLen {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// Encode returns the base58 address of a 32-byte public key.
func Encode(pub []byte) (string, error) {
	if len(pub) != AddressLen {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(pub))
	}
	return base58.Encode(pub), nil
}
