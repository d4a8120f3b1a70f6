package model

// StatusCode is the closed enumeration of protocol results. It is the only
// value ever returned to describe why a call did not succeed; transport
// failures are always mapped onto one of these before reaching a caller.
type StatusCode string

const (
	StatusOK StatusCode = "OK"

	// Protocol state errors: the caller invoked an operation that is
	// illegal for the current match or session state. Never fatal; the
	// caller decides its own retry.
	StatusWrongState      StatusCode = "WRONG_STATE"
	StatusAlreadyGestured StatusCode = "ALREADY_GESTURED"
	StatusInGameMode      StatusCode = "IN_GAME_MODE"
	StatusInInfoMode      StatusCode = "IN_INFO_MODE"
	StatusMatchEnded      StatusCode = "MATCH_ENDED"

	// Identity errors.
	StatusUnrecognizedPlayer StatusCode = "UNRECOGNIZED_PLAYER"
	StatusRedundantPlayer    StatusCode = "REDUNDANT_PLAYER"

	// Negotiation refusals. An expected outcome, not an error.
	StatusRequestDenied  StatusCode = "REQUEST_DENIED"
	StatusNotImplemented StatusCode = "NOT_IMPLEMENTED"

	// Transport/liveness errors, terminal for the current attempt.
	StatusNoConnection   StatusCode = "NO_CONNECTION"
	StatusServerNotFound StatusCode = "SERVER_NOT_FOUND"
	StatusServerDown     StatusCode = "SERVER_DOWN"
	StatusLossOfSync     StatusCode = "LOSS_OF_SYNCHRONIZATION"

	// Catch-all for logic invariant violations. Always logged.
	StatusInternalError StatusCode = "INTERNAL_ERROR"
)

// IsError reports whether s describes a failed call.
func (s StatusCode) IsError() bool {
	return s != StatusOK
}

func (s StatusCode) String() string {
	return string(s)
}
