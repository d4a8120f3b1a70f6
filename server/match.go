package server

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"rpsbroker/model"
)

// Side tags which player of a match is calling. The broker binds the side
// into each session when the match is created; a match never recovers the
// caller's identity from anything else.
type Side int

const (
	SideNone Side = iota
	SideP1
	SideP2
)

// MatchState is the per-match round FSM state.
type MatchState int

const (
	MatchBeginRound   MatchState = iota // ready for gestures, no pending results
	MatchP1Gestured                     // player one has gestured, pending on player two
	MatchP2Gestured                     // player two has gestured, pending on player one
	MatchBothGestured                   // round scored, pending on requests for results
	MatchP1Informed                     // player one has the results, pending on player two
	MatchP2Informed                     // player two has the results, pending on player one
	MatchBothInformed                   // both informed, ready for the next round
	MatchGameOver                       // terminal
)

func (s MatchState) String() string {
	switch s {
	case MatchBeginRound:
		return "BEGIN_ROUND"
	case MatchP1Gestured:
		return "P1_GESTURED"
	case MatchP2Gestured:
		return "P2_GESTURED"
	case MatchBothGestured:
		return "BOTH_GESTURED"
	case MatchP1Informed:
		return "P1_INFORMED"
	case MatchP2Informed:
		return "P2_INFORMED"
	case MatchBothInformed:
		return "BOTH_INFORMED"
	case MatchGameOver:
		return "GAME_OVER"
	}
	return "UNKNOWN"
}

// Delivery is the per-side result delivery status for the current round.
type Delivery int

const (
	DeliveryPending      Delivery = iota // round result not yet offered to this side
	DeliveryPushed                       // pushed but not acknowledged, side must pull
	DeliveryAcknowledged                 // side has the result
)

// Player is the match's view of one connected side. PushScore returns true
// only when the peer acknowledged receipt; it must be time-bounded and must
// never panic past its call site.
type Player interface {
	PlayerID() int64
	TeamName() string
	PushScore(sc model.Scorecard) bool
	NotifyMatchAborted(reason model.StatusCode)
}

// Match arbitrates one two-player contest of maxRounds rounds. All
// operations on a single match are mutually exclusive; two matches are
// fully independent.
type Match struct {
	mu sync.Mutex

	id        uuid.UUID
	p1        Player
	p2        Player
	maxRounds int

	p1Score      int
	p2Score      int
	ties         int
	roundsPlayed int

	p1Gesture model.Gesture
	p2Gesture model.Gesture

	state    MatchState
	delivery [2]Delivery

	logger *Logger
}

// MatchSnapshot is an advisory read-only view used for bulk listing.
type MatchSnapshot struct {
	ID           string `json:"id"`
	Player1      string `json:"player1"`
	Player2      string `json:"player2"`
	RoundsPlayed int    `json:"roundsPlayed"`
	MaxRounds    int    `json:"maxRounds"`
	State        string `json:"state"`
}

func NewMatch(p1, p2 Player, maxRounds int, logger *Logger) *Match {
	return &Match{
		id:        uuid.NewV4(),
		p1:        p1,
		p2:        p2,
		maxRounds: maxRounds,
		p1Gesture: model.GestureNone,
		p2Gesture: model.GestureNone,
		state:     MatchBeginRound,
		logger:    logger,
	}
}

func (m *Match) ID() uuid.UUID {
	return m.id
}

// DoGesture applies one side's gesture to the FSM. When the gesture
// completes a round the outcome is scored once and the resulting scorecards
// are pushed to both sides; a side that does not acknowledge the push stays
// un-informed and is expected to pull via ScorecardFor instead.
func (m *Match) DoGesture(side Side, g model.Gesture) model.StatusCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if side == SideNone {
		return model.StatusUnrecognizedPlayer
	}

	prev := m.state
	rc := m.applyGesture(side, g)
	m.logger.Debugw("match gesture", "match", m.id.String(), "side", int(side), "preState", prev.String(), "postState", m.state.String(), "status", rc)

	if rc == model.StatusOK && m.state == MatchBothGestured && prev != MatchBothGestured {
		m.scoreRound()
		m.pushRound()
	}
	return rc
}

// ScorecardFor applies one side's result query to the FSM and always
// returns a freshly built scorecard, with the transition's status embedded
// even when it is not OK.
func (m *Match) ScorecardFor(side Side) model.Scorecard {
	m.mu.Lock()
	defer m.mu.Unlock()

	if side == SideNone {
		return model.Scorecard{Status: model.StatusUnrecognizedPlayer, OpponentGesture: model.GestureNone}
	}

	rc := m.applyQuery(side)
	sc := m.scorecard(side)
	sc.Status = rc
	return sc
}

// Abort unconditionally forces GAME_OVER and best-effort notifies the other
// side (or both sides, when no side initiated it). Idempotent.
func (m *Match) Abort(initiator Side, reason model.StatusCode) {
	m.mu.Lock()
	if m.state == MatchGameOver {
		m.mu.Unlock()
		return
	}
	m.state = MatchGameOver
	var peers []Player
	switch initiator {
	case SideP1:
		peers = []Player{m.p2}
	case SideP2:
		peers = []Player{m.p1}
	default:
		peers = []Player{m.p1, m.p2}
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.NotifyMatchAborted(reason)
	}
}

// Over reports whether the match has reached its terminal state.
func (m *Match) Over() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == MatchGameOver
}

func (m *Match) Snapshot() MatchSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MatchSnapshot{
		ID:           m.id.String(),
		Player1:      m.p1.TeamName(),
		Player2:      m.p2.TeamName(),
		RoundsPlayed: m.roundsPlayed,
		MaxRounds:    m.maxRounds,
		State:        m.state.String(),
	}
}

func (m *Match) applyGesture(side Side, g model.Gesture) model.StatusCode {
	switch m.state {
	case MatchBeginRound, MatchBothInformed:
		m.storeGesture(side, g)
		m.delivery = [2]Delivery{DeliveryPending, DeliveryPending}
		if side == SideP1 {
			m.state = MatchP1Gestured
		} else {
			m.state = MatchP2Gestured
		}
		return model.StatusOK

	case MatchP1Gestured:
		if side == SideP1 {
			return model.StatusAlreadyGestured
		}
		m.storeGesture(side, g)
		m.state = MatchBothGestured
		m.roundsPlayed++
		return model.StatusOK

	case MatchP2Gestured:
		if side == SideP2 {
			return model.StatusAlreadyGestured
		}
		m.storeGesture(side, g)
		m.state = MatchBothGestured
		m.roundsPlayed++
		return model.StatusOK

	case MatchBothGestured, MatchP1Informed, MatchP2Informed:
		return model.StatusInInfoMode

	case MatchGameOver:
		return model.StatusMatchEnded
	}
	return model.StatusInternalError
}

func (m *Match) applyQuery(side Side) model.StatusCode {
	switch m.state {
	case MatchBeginRound, MatchBothInformed:
		return model.StatusOK

	case MatchP1Gestured, MatchP2Gestured:
		return model.StatusInGameMode

	case MatchBothGestured, MatchP1Informed, MatchP2Informed:
		m.markInformed(side)
		return model.StatusOK

	case MatchGameOver:
		return model.StatusMatchEnded
	}
	return model.StatusInternalError
}

func (m *Match) storeGesture(side Side, g model.Gesture) {
	if side == SideP1 {
		m.p1Gesture = g
	} else {
		m.p2Gesture = g
	}
}

// scoreRound computes the round outcome exactly once, on the transition
// into BOTH_GESTURED.
func (m *Match) scoreRound() {
	switch {
	case m.p1Gesture == m.p2Gesture:
		m.ties++
	case m.p1Gesture.Beats(m.p2Gesture):
		m.p1Score++
	default:
		m.p2Score++
	}
}

// pushRound offers the fresh scorecards to both sides. The push is
// at-most-once per round: a failed or unacknowledged push is never retried,
// that side falls back to pulling.
func (m *Match) pushRound() {
	if m.p1.PushScore(m.scorecard(SideP1)) {
		m.markInformed(SideP1)
	} else {
		m.delivery[0] = DeliveryPushed
	}
	if m.p2.PushScore(m.scorecard(SideP2)) {
		m.markInformed(SideP2)
	} else {
		m.delivery[1] = DeliveryPushed
	}
}

// markInformed records that side has the round result. The informed
// sub-states are derived from the per-side delivery status, not tracked
// separately.
func (m *Match) markInformed(side Side) {
	m.delivery[side-1] = DeliveryAcknowledged
	m.syncInformedState()
}

// syncInformedState projects the delivery status onto the informed
// sub-states, ending the game once both sides have the final round's
// result.
func (m *Match) syncInformedState() {
	switch m.state {
	case MatchBothGestured, MatchP1Informed, MatchP2Informed:
	default:
		return
	}

	p1Informed := m.delivery[0] == DeliveryAcknowledged
	p2Informed := m.delivery[1] == DeliveryAcknowledged
	switch {
	case p1Informed && p2Informed:
		m.state = MatchBothInformed
	case p1Informed:
		m.state = MatchP1Informed
	case p2Informed:
		m.state = MatchP2Informed
	}

	if m.state == MatchBothInformed && m.roundsPlayed >= m.maxRounds {
		m.state = MatchGameOver
		m.logger.Infow("match complete", "match", m.id.String(), "p1", m.p1.TeamName(), "p2", m.p2.TeamName(), "p1Score", m.p1Score, "p2Score", m.p2Score, "ties", m.ties)
	}
}

// scorecard builds a fresh snapshot from one side's point of view. Callers
// hold the match lock.
func (m *Match) scorecard(side Side) model.Scorecard {
	sc := model.Scorecard{
		Status:       model.StatusOK,
		Ties:         m.ties,
		RoundsPlayed: m.roundsPlayed,
		MaxRounds:    m.maxRounds,
	}
	if side == SideP1 {
		sc.MyScore = m.p1Score
		sc.OpponentScore = m.p2Score
		sc.OpponentGesture = m.p2Gesture
	} else {
		sc.MyScore = m.p2Score
		sc.OpponentScore = m.p1Score
		sc.OpponentGesture = m.p1Gesture
	}
	return sc
}
