package domain

// validTransitions lists the allowed lifecycle moves.
var validTransitions = map[SessionState][]SessionState{
	SessionCreated:  {SessionApproved, SessionCancelled},
	SessionApproved: {SessionActive, SessionCancelled},
	SessionActive:   {SessionPaused, SessionCompleted, SessionExpired, SessionCancelled},
	SessionPaused:   {SessionActive, SessionCancelled},
}

// CanTransition reports whether a session may move from one state to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to SessionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
