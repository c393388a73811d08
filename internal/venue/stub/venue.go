// Package stub provides in-process venue implementations for tests and dry runs.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kaskade/internal/domain"
	"kaskade/internal/venue"
)

// ErrRejected is the cause of queued permanent failures.
var ErrRejected = errors.New("route rejected")

// ErrUnavailable is the cause of queued transient failures.
var ErrUnavailable = errors.New("venue unavailable")

// Venue implements venue.Simulator and venue.TradeBuilder with a fixed price.
// Failures can be queued per call and are consumed in order.
type Venue struct {
	mu sync.Mutex

	// Price is quote units out per base unit in.
	Price float64
	// SlippageBps is reported by Simulate.
	SlippageBps float64
	// PairSlippageBps overrides SlippageBps per pair key.
	PairSlippageBps map[string]float64

	buildFailures    []error
	simulateFailures []error

	simulateCalls int
	builds        []venue.BuildRequest
}

// NewVenue creates a stub venue with a 1:1 price and zero slippage.
func NewVenue() *Venue {
	return &Venue{Price: 1, PairSlippageBps: make(map[string]float64)}
}

var (
	_ venue.Simulator    = (*Venue)(nil)
	_ venue.TradeBuilder = (*Venue)(nil)
)

// FailNextBuild queues an error for the next Build call.
func (v *Venue) FailNextBuild(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.buildFailures = append(v.buildFailures, err)
}

// FailNextSimulate queues an error for the next Simulate call.
func (v *Venue) FailNextSimulate(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.simulateFailures = append(v.simulateFailures, err)
}

// SetSlippage sets the reported slippage for one pair.
func (v *Venue) SetSlippage(pair domain.Pair, bps float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PairSlippageBps[pair.Key()] = bps
}

// Simulate returns amountIn * Price less the configured slippage.
func (v *Venue) Simulate(ctx context.Context, pair domain.Pair, amountIn uint64) (*venue.Simulation, error) {
	if err := ctx.Err(); err != nil {
		return nil, venue.Transient("simulate", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.simulateCalls++
	if len(v.simulateFailures) > 0 {
		err := v.simulateFailures[0]
		v.simulateFailures = v.simulateFailures[1:]
		return nil, err
	}

	bps := v.SlippageBps
	if o, ok := v.PairSlippageBps[pair.Key()]; ok {
		bps = o
	}
	return &venue.Simulation{
		AmountIn:    amountIn,
		AmountOut:   v.amountOut(amountIn, bps),
		SlippageBps: bps,
	}, nil
}

// Build returns a deterministic payload and records the request.
func (v *Venue) Build(ctx context.Context, req venue.BuildRequest) (*venue.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, venue.Transient("build", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.buildFailures) > 0 {
		err := v.buildFailures[0]
		v.buildFailures = v.buildFailures[1:]
		return nil, err
	}

	v.builds = append(v.builds, req)
	routeID := fmt.Sprintf("stub-%d", len(v.builds))
	return &venue.BuildResult{
		AmountOut: v.amountOut(req.AmountIn, v.SlippageBps),
		Payload:   []byte(routeID + ":" + req.Pair.Key() + ":" + req.Destination),
		RouteID:   routeID,
	}, nil
}

// Builds returns a copy of successful build requests.
func (v *Venue) Builds() []venue.BuildRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.BuildRequest, len(v.builds))
	copy(out, v.builds)
	return out
}

// SimulateCalls returns how many times Simulate was invoked.
func (v *Venue) SimulateCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.simulateCalls
}

func (v *Venue) amountOut(amountIn uint64, bps float64) uint64 {
	return uint64(float64(amountIn) * v.Price * (1 - bps/10_000))
}
