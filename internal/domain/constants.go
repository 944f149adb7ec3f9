package domain

import "strings"

// State is a payout transaction lifecycle state.
type State string

const (
	StateCreated           State = "CREATED"
	StateAwaitingSignature State = "AWAITING_SIGNATURE"
	StateSigned            State = "SIGNED"
	StateSubmitting        State = "SUBMITTING"
	StateSubmitted         State = "SUBMITTED"
	StateConfirmed         State = "CONFIRMED"
	StateFailed            State = "FAILED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateCreated,
	StateAwaitingSignature,
	StateSigned,
	StateSubmitting,
	StateSubmitted,
	StateConfirmed,
	StateFailed,
}

var stateTransitions = map[State]map[State]struct{}{
	StateCreated: {
		StateAwaitingSignature: {},
	},
	StateAwaitingSignature: {
		StateSigned: {},
	},
	StateSigned: {
		StateSubmitting: {},
	},
	StateSubmitting: {
		StateSubmitted: {},
		StateSigned:    {},
		StateFailed:    {},
	},
	StateSubmitted: {
		StateConfirmed: {},
		StateFailed:    {},
	},
	StateConfirmed: {},
	StateFailed:    {},
}

// ParseState normalizes s and reports whether it names a known state.
func ParseState(s string) (State, bool) {
	state := State(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := stateTransitions[state]
	return state, ok
}

// CanTransition reports whether the lifecycle graph has an edge from current to next.
func CanTransition(current, next State) bool {
	nextStates, ok := stateTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Cache keys and patterns for the aggregate read views.
const (
	CacheKeyOracleYield      = "oracle:yield"
	CacheKeyLeaderboard      = "leaderboard"
	CacheKeyArenaStatsPrefix = "arena:stats:"
	CachePatternArenaStats   = CacheKeyArenaStatsPrefix + "*"
)

// ArenaStatsKey returns the cache key for one arena's pool statistics.
func ArenaStatsKey(arenaID string) string {
	return CacheKeyArenaStatsPrefix + arenaID
}
