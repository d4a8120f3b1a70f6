package model

// Scorecard is an immutable snapshot of match progress from one player's
// point of view. A fresh one is produced on every query; the embedded
// status carries protocol errors on the pull path.
type Scorecard struct {
	Status          StatusCode `json:"status"`
	OpponentGesture Gesture    `json:"opponentGesture"`
	MyScore         int        `json:"myScore"`
	OpponentScore   int        `json:"opponentScore"`
	Ties            int        `json:"ties"`
	RoundsPlayed    int        `json:"roundsPlayed"`
	MaxRounds       int        `json:"maxRounds"`
}

// MatchOver reports whether this scorecard describes a completed match.
func (s Scorecard) MatchOver() bool {
	return s.RoundsPlayed > 0 && s.RoundsPlayed >= s.MaxRounds
}
