package domain

// ExecutionIntent instructs the executor to run one chunk of one session.
// It is produced by the scheduler, consumed once, and never persisted.
type ExecutionIntent struct {
	ID              string
	SessionID       string
	UserID          string
	Pair            Pair
	ChunkAmountIn   uint64 // informational; the executor recomputes from the ledger
	SnapshotVersion uint64
	TickMs          int64
	TimeDecayForced bool
}

// ExecutionOutcome classifies an executor attempt.
type ExecutionOutcome string

const (
	OutcomeExecuted        ExecutionOutcome = "executed"
	OutcomeFailedTransient ExecutionOutcome = "failed_transient"
	OutcomeFailedPermanent ExecutionOutcome = "failed_permanent"
	OutcomeStale           ExecutionOutcome = "stale"
	OutcomeSkipped         ExecutionOutcome = "skipped"
	OutcomeConflict        ExecutionOutcome = "conflict"
)

// String returns the string representation of ExecutionOutcome.
func (o ExecutionOutcome) String() string {
	return string(o)
}

// Failed reports whether the attempt reached the venue or ledger and failed.
func (o ExecutionOutcome) Failed() bool {
	return o == OutcomeFailedTransient || o == OutcomeFailedPermanent
}

// ExecutionRecord is one row of execution history.
type ExecutionRecord struct {
	IntentID        string
	SessionID       string
	UserID          string
	Pair            Pair
	ChunkIndex      uint64 // 1-based index of the chunk attempted
	AmountIn        uint64
	AmountOut       uint64
	SnapshotVersion uint64
	Outcome         ExecutionOutcome
	Error           string
	RouteID         string
	TimeDecayForced bool
	TimestampMs     int64
}
