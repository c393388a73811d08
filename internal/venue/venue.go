// Package venue defines the external trading boundary: quote streaming,
// swap simulation and trade building.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kaskade/internal/domain"
)

// Simulator estimates a swap without executing it.
type Simulator interface {
	Simulate(ctx context.Context, pair domain.Pair, amountIn uint64) (*Simulation, error)
}

// TradeBuilder prepares a transfer payload for external signing and broadcast.
// The backend never holds keys; the payload is forwarded to the owner.
type TradeBuilder interface {
	Build(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// QuoteSource streams top-of-book quotes for the subscribed pairs. Later
// Subscribe calls add pairs and return the same channel.
type QuoteSource interface {
	Subscribe(ctx context.Context, pairs []domain.Pair) (<-chan domain.QuoteEvent, error)
	Close() error
}

// Simulation is the result of a simulated swap.
type Simulation struct {
	AmountIn    uint64
	AmountOut   uint64
	SlippageBps float64
}

// BuildRequest asks for one chunk swap to a destination.
type BuildRequest struct {
	Pair        domain.Pair
	AmountIn    uint64
	Destination string

	// IdempotencyKey is stable across retries of the same chunk.
	IdempotencyKey string
}

// BuildResult carries the expected output and the opaque payload.
type BuildResult struct {
	AmountOut uint64
	Payload   []byte
	RouteID   string
}

// ErrorKind classifies venue failures.
type ErrorKind int

const (
	// KindTransient covers timeouts, transport errors, 408/429 and 5xx.
	KindTransient ErrorKind = iota
	// KindPermanent covers rejections such as an invalid route or missing liquidity.
	KindPermanent
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified venue failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err should be retried on a later tick.
// Unclassified errors and context deadlines count as transient.
func IsTransient(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == KindTransient
	}
	return err != nil
}

// ParseAmount parses a decimal string of integer minor units.
func ParseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is not a non-negative integer", s)
	}
	n := d.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows uint64", s)
	}
	return n.Uint64(), nil
}
