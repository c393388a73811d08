package scheduler

import "sync"

// Budget tracks per-tick dispatch capacity. Zero limits are unlimited.
type Budget struct {
	mu sync.Mutex

	maxIntents  int
	maxNotional uint64
	maxPerPair  int
	maxPerUser  int

	intents  int
	notional uint64
	perPair  map[string]int
	perUser  map[string]int
}

// NewBudget creates an empty budget with the given limits.
func NewBudget(maxIntents int, maxNotional uint64, maxPerPair, maxPerUser int) *Budget {
	return &Budget{
		maxIntents:  maxIntents,
		maxNotional: maxNotional,
		maxPerPair:  maxPerPair,
		maxPerUser:  maxPerUser,
		perPair:     make(map[string]int),
		perUser:     make(map[string]int),
	}
}

// Reserve takes capacity for one intent. On failure it returns the skip
// reason and reserves nothing.
func (b *Budget) Reserve(pair, user string, amount uint64) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.maxIntents > 0 && b.intents >= b.maxIntents:
		return false, SkipTickCap
	case b.maxPerPair > 0 && b.perPair[pair] >= b.maxPerPair:
		return false, SkipPairCap
	case b.maxPerUser > 0 && b.perUser[user] >= b.maxPerUser:
		return false, SkipUserCap
	case b.maxNotional > 0 && b.notional+amount > b.maxNotional:
		return false, SkipNotionalCap
	}

	b.intents++
	b.notional += amount
	b.perPair[pair]++
	b.perUser[user]++
	return true, ""
}

// Exhausted reports whether no further intent fits this tick.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxIntents > 0 && b.intents >= b.maxIntents
}

// PairFull reports whether pair has reached its cap.
func (b *Budget) PairFull(pair string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxPerPair > 0 && b.perPair[pair] >= b.maxPerPair
}
