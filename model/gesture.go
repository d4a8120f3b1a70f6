package model

// Gesture is a single play in a round. NONE is the "no gesture yet"
// sentinel and is never a legal play.
type Gesture string

const (
	GestureNone     Gesture = "NONE"
	GestureRock     Gesture = "ROCK"
	GesturePaper    Gesture = "PAPER"
	GestureScissors Gesture = "SCISSORS"
)

// Valid reports whether g is a playable gesture.
func (g Gesture) Valid() bool {
	switch g {
	case GestureRock, GesturePaper, GestureScissors:
		return true
	}
	return false
}

// Beats reports whether g defeats other under the cyclic dominance
// ROCK > SCISSORS > PAPER > ROCK. Equal gestures never beat each other.
func (g Gesture) Beats(other Gesture) bool {
	switch {
	case g == GestureRock && other == GestureScissors:
		return true
	case g == GestureScissors && other == GesturePaper:
		return true
	case g == GesturePaper && other == GestureRock:
		return true
	}
	return false
}
