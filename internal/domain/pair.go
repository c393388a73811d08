package domain

import (
	"fmt"
	"strings"
)

// Pair is a directed trading pair: amounts go in as Base and come out as Quote.
type Pair struct {
	Base  string
	Quote string
}

// Key returns the canonical "BASE/QUOTE" form used as map key and on the wire.
func (p Pair) Key() string {
	return p.Base + "/" + p.Quote
}

// String returns the canonical key.
func (p Pair) String() string {
	return p.Key()
}

// IsZero reports whether both legs are empty.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// NewPair builds a normalized (upper-case, trimmed) pair.
func NewPair(base, quote string) Pair {
	return Pair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok {
		return Pair{}, fmt.Errorf("pair %q: expected BASE/QUOTE", s)
	}
	p := NewPair(base, quote)
	if p.Base == "" || p.Quote == "" {
		return Pair{}, fmt.Errorf("pair %q: empty asset", s)
	}
	if p.Base == p.Quote {
		return Pair{}, fmt.Errorf("pair %q: base and quote are the same asset", s)
	}
	return p, nil
}
