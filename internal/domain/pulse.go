package domain

// PulseType enumerates the market-condition checks a session can enable.
type PulseType string

const (
	PulseSpread    PulseType = "spread"
	PulseSlippage  PulseType = "slippage"
	PulseTrend     PulseType = "trend"
	PulseDepth     PulseType = "depth"
	PulseTimeDecay PulseType = "time_decay"
)

// AllPulseTypes lists every pulse type in evaluation order.
var AllPulseTypes = []PulseType{PulseSpread, PulseSlippage, PulseTrend, PulseDepth, PulseTimeDecay}

// ParsePulseType parses a pulse name.
func ParsePulseType(s string) (PulseType, bool) {
	for _, p := range AllPulseTypes {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// PulseResult is the outcome of one pulse check.
type PulseResult struct {
	Passed    bool
	Enabled   bool
	Observed  float64
	Threshold float64
	Reason    string // set when the pulse could not be evaluated
}

// PulseVerdict is the combined result for one session at one tick.
type PulseVerdict struct {
	Results         map[PulseType]PulseResult
	Passed          bool // AND over condition pulses
	TimeDecayForced bool
	WaitedMs        int64
}

// Eligible reports whether the session may be scheduled.
func (v PulseVerdict) Eligible() bool {
	return v.Passed || v.TimeDecayForced
}

// Failed lists condition pulses that did not pass.
func (v PulseVerdict) Failed() []PulseType {
	var out []PulseType
	for _, p := range AllPulseTypes {
		if r, ok := v.Results[p]; ok && r.Enabled && !r.Passed && p != PulseTimeDecay {
			out = append(out, p)
		}
	}
	return out
}
