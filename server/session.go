package server

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"rpsbroker/api"
	"rpsbroker/model"
)

// session is the server-side representative of one connected client. It
// owns the socket, the player identity, the connection state and at most
// one active match. State, match pointer and the sticky refusal flag share
// one critical section (stateMu); socket writes share another (Mutex).
type session struct {
	sync.Mutex
	id       uuid.UUID
	playerID *atomic.Int64
	teamName string
	origin   string

	stateMu             sync.Mutex
	state               model.ConnectionState
	match               *Match
	side                Side
	notAcceptingMatches bool

	lastKeepAlive *atomic.Int64

	pingPeriodTime time.Duration
	pongWaitTime   time.Duration
	writeWaitTime  time.Duration

	registry *Registry
	config   *Config
	stats    *Stats
	logger   *Logger
	conn     *websocket.Conn

	receivedMsgDecrement int
	pingTimer            *time.Timer
	pingTimerCas         *atomic.Uint32

	outgoingCh chan []byte
	closed     bool

	pendingMu sync.Mutex
	pending   map[string]chan *api.Envelope
}

func NewSession(origin string, conn *websocket.Conn, config *Config, registry *Registry, stats *Stats, logger *Logger) *session {

	stats.IncrSocketConnection()

	return &session{
		id:       uuid.NewV4(),
		playerID: atomic.NewInt64(0),
		origin:   origin,

		state: model.StateDisconnected,

		lastKeepAlive: atomic.NewInt64(time.Now().UnixNano()),

		pingPeriodTime: time.Duration(config.SocketConfig.PingPeriodTime) * time.Millisecond,
		pongWaitTime:   time.Duration(config.SocketConfig.PongWaitTime) * time.Millisecond,
		writeWaitTime:  time.Duration(config.SocketConfig.WriteWaitTime) * time.Millisecond,

		registry: registry,
		config:   config,
		stats:    stats,
		logger:   logger,
		conn:     conn,

		receivedMsgDecrement: config.SocketConfig.ReceivedMessageDecrementCount,
		pingTimer:            time.NewTimer(time.Duration(config.SocketConfig.PingPeriodTime) * time.Millisecond),
		pingTimerCas:         atomic.NewUint32(1),

		outgoingCh: make(chan []byte, config.SocketConfig.OutgoingQueueSize),
		pending:    make(map[string]chan *api.Envelope),
	}

}

func (s *session) ID() uuid.UUID {
	return s.id
}

func (s *session) PlayerID() int64 {
	return s.playerID.Load()
}

func (s *session) setPlayerID(id int64) {
	s.playerID.Store(id)
}

func (s *session) TeamName() string {
	return s.teamName
}

func (s *session) Origin() string {
	return s.origin
}

// Entry snapshots this session's identity and state.
func (s *session) Entry() model.PlayerEntry {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return model.PlayerEntry{
		TeamName: s.teamName,
		Origin:   s.origin,
		ID:       s.playerID.Load(),
		State:    s.state,
	}
}

func (s *session) State() model.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *session) setState(newState model.ConnectionState) {
	s.stateMu.Lock()
	s.state = newState
	s.stateMu.Unlock()
}

func (s *session) casState(from, to model.ConnectionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// KeepAlive refreshes the liveness timestamp watched by the zombie sweep.
func (s *session) KeepAlive() {
	s.lastKeepAlive.Store(time.Now().UnixNano())
}

func (s *session) LastKeepAlive() time.Time {
	return time.Unix(0, s.lastKeepAlive.Load())
}

func (s *session) bindMatch(m *Match, side Side) {
	s.stateMu.Lock()
	s.match = m
	s.side = side
	s.stateMu.Unlock()
}

func (s *session) clearMatch() {
	s.stateMu.Lock()
	s.match = nil
	s.side = SideNone
	s.stateMu.Unlock()
}

func (s *session) currentMatch() (*Match, Side) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.match, s.side
}

func (s *session) setNotAccepting() {
	s.stateMu.Lock()
	s.notAcceptingMatches = true
	s.stateMu.Unlock()
	s.logger.Infow("session blacklisted from future invitations", "team", s.teamName, "id", s.PlayerID())
}

// discardStaleMatch drops a match reference left over from an earlier,
// already-ended negotiation. The old match is terminal, so it is discarded,
// not aborted.
func (s *session) discardStaleMatch(table *MatchTable) {
	s.stateMu.Lock()
	stale := s.match
	s.match = nil
	s.side = SideNone
	s.stateMu.Unlock()
	if stale != nil {
		table.Remove(stale)
	}
}

// DoGesture forwards a gesture into the session's match. The match's
// critical section serializes it, not the session's.
func (s *session) DoGesture(g model.Gesture) model.StatusCode {
	if !g.Valid() {
		s.logger.Errorw("illegal gesture received", "team", s.teamName, "gesture", g)
		return model.StatusInternalError
	}
	m, side := s.currentMatch()
	if m == nil {
		return model.StatusWrongState
	}
	return m.DoGesture(side, g)
}

// GetScorecard pulls a fresh scorecard from the session's match. Once the
// final round's result has been retrieved the session becomes available
// again.
func (s *session) GetScorecard() model.Scorecard {
	m, side := s.currentMatch()
	if m == nil {
		return model.Scorecard{Status: model.StatusWrongState, OpponentGesture: model.GestureNone}
	}
	sc := m.ScorecardFor(side)
	if sc.MatchOver() {
		s.registry.CasState(s, model.StateMatchInPlay, model.StateAvailable)
	}
	return sc
}

// AbortingMatch handles the client's own request to end its match early.
// The session is reset to available immediately; the peer is notified
// best-effort through the match.
func (s *session) AbortingMatch(reason model.StatusCode) {
	m, side := s.currentMatch()
	s.registry.ChangeState(s, model.StateAvailable)
	if m != nil {
		m.Abort(side, reason)
	}
}

// OfferMatch runs the target side of match negotiation. A session that has
// been blacklisted refuses without contacting its client. An invitation
// reply of anything but OK or an explicit deny blacklists the session from
// all future invitations.
func (s *session) OfferMatch(challenger model.PlayerEntry, m *Match, maxRounds int) model.StatusCode {
	s.stateMu.Lock()
	busy := s.state != model.StateAvailable
	refusing := s.notAcceptingMatches
	s.stateMu.Unlock()

	if busy {
		return model.StatusWrongState
	}
	if refusing {
		return model.StatusRequestDenied
	}
	if !s.registry.CasState(s, model.StateAvailable, model.StateRequestInProgress) {
		return model.StatusWrongState
	}

	timeout := time.Duration(s.config.MatchConfig.InvitationTimeout) * time.Millisecond
	env, err := s.call(api.TypeMatchInvitation, api.MatchInvitation{Challenger: challenger, MaxRounds: maxRounds}, timeout)
	if err == nil {
		var reply api.InvitationReply
		if decodeErr := env.Decode(&reply); decodeErr != nil {
			s.setNotAccepting()
		} else if reply.Status == model.StatusOK {
			s.bindMatch(m, SideP2)
			s.registry.ChangeState(s, model.StateMatchInPlay)
			return model.StatusOK
		} else if reply.Status != model.StatusRequestDenied {
			// anything but OK or an explicit deny: never ask this client again
			s.setNotAccepting()
		}
	}

	s.registry.ChangeState(s, model.StateAvailable)
	return model.StatusRequestDenied
}

// PushScore offers a round result to the client and reports whether it was
// acknowledged. At most one attempt per round; an unacknowledged side pulls
// instead.
func (s *session) PushScore(sc model.Scorecard) bool {
	timeout := time.Duration(s.config.MatchConfig.PushTimeout) * time.Millisecond
	env, err := s.call(api.TypeScorePush, api.ScorePush{Scorecard: sc}, timeout)
	if err != nil {
		s.logger.Debugw("score push not acknowledged", "team", s.teamName, "error", err)
		return false
	}
	var ack api.ScoreAck
	if err := env.Decode(&ack); err != nil {
		s.logger.Warnw("malformed score ack", "team", s.teamName, "error", err)
		return false
	}
	if ack.Status != model.StatusOK {
		return false
	}
	if sc.MatchOver() {
		s.registry.CasState(s, model.StateMatchInPlay, model.StateAvailable)
	}
	return true
}

// NotifyMatchAborted informs the client that the peer ended the match. Best
// effort; the session is immediately available again.
func (s *session) NotifyMatchAborted(reason model.StatusCode) {
	s.registry.CasState(s, model.StateMatchInPlay, model.StateAvailable)
	s.registry.CasState(s, model.StateRequestInProgress, model.StateAvailable)
	env, err := api.NewEnvelope("", api.TypeMatchAborted, api.MatchAborted{Reason: reason})
	if err != nil {
		return
	}
	if err := s.Send(false, env); err != nil {
		s.logger.Debugw("abort notification not delivered", "team", s.teamName, "error", err)
	}
}

// ListenerID implements ListListener.
func (s *session) ListenerID() int64 {
	return s.PlayerID()
}

// NotifyListAction implements ListListener with a non-blocking send.
func (s *session) NotifyListAction(action model.ListAction) error {
	env, err := api.NewEnvelope("", api.TypePlayerList, api.PlayerList{Action: action})
	if err != nil {
		return err
	}
	return s.Send(false, env)
}

// Terminate ends this session server-side: best-effort notification, match
// abort, registry eviction, socket close.
func (s *session) Terminate(reason model.StatusCode) {
	env, err := api.NewEnvelope("", api.TypeSessionEnding, api.SessionEnding{Reason: reason})
	if err == nil {
		s.sendNow(env)
	}
	s.Close()
}

// sendNow writes an envelope synchronously, bypassing the outgoing queue.
// Used for the final frame before the session goes down, which would race
// the queue drain against Close otherwise.
func (s *session) sendNow(envelope *api.Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	s.Lock()
	defer s.Unlock()
	if s.closed || s.conn == nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitTime))
	_ = s.conn.WriteMessage(websocket.TextMessage, payload)
}

// call performs a server-to-client request over the socket and waits,
// time-bounded, for the reply envelope carrying the same cid.
func (s *session) call(msgType string, payload interface{}, timeout time.Duration) (*api.Envelope, error) {
	cid := uuid.NewV4().String()
	ch := make(chan *api.Envelope, 1)

	s.pendingMu.Lock()
	s.pending[cid] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, cid)
		s.pendingMu.Unlock()
	}()

	env, err := api.NewEnvelope(cid, msgType, payload)
	if err != nil {
		return nil, err
	}
	if err := s.Send(false, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, errors.Errorf("%s call timed out", msgType)
	}
}

// resolvePending routes a client reply to the waiting server-side call.
func (s *session) resolvePending(env *api.Envelope) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.Cid]
	if ok {
		delete(s.pending, env.Cid)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Consume runs the inbound read loop, handing each envelope to handlerFunc
// until the socket dies or the handler asks to stop.
func (s *session) Consume(handlerFunc func(session *session, envelope *api.Envelope) bool) {
	defer s.Close()
	s.conn.SetReadLimit(4096)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitTime)); err != nil {
		s.logger.Infow("Error occured while trying to set read deadline", "error", err)
		return
	}
	// When a pong message is received from the client, we can reset the ping timer
	s.conn.SetPongHandler(func(string) error {
		s.resetPingTimer()
		return nil
	})

	// The routine that will handle outgoing messages
	go s.processOutgoing()

	for {
		_, data, err := s.conn.ReadMessage()

		// Closed connections can be detected at this point. Just need to check error type.
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Infow("Socket connection was closed", "id", s.ID().String())
			} else if e, ok := err.(*net.OpError); ok && e.Err.Error() == "use of closed network connection" {
				s.logger.Infow("Socket connection was closed", "id", s.ID().String())
			} else {
				s.logger.Infow("Socket connection was terminated", "id", s.ID().String(), "error", err)
			}
			break
		}

		// Any inbound traffic proves the client is alive.
		s.KeepAlive()

		// If enough messages were received in the reset period, the timer can
		// be reset without sending a ping.
		s.receivedMsgDecrement--
		if s.receivedMsgDecrement < 1 {
			s.receivedMsgDecrement = s.config.SocketConfig.ReceivedMessageDecrementCount
			if !s.resetPingTimer() {
				return
			}
		}

		request := &api.Envelope{}
		if err = json.Unmarshal(data, request); err != nil {
			s.logger.Errorw("Read message error", "error", err)
			if env, envErr := api.NewEnvelope("", api.TypeError, api.Error{Code: model.StatusInternalError, Message: "malformed envelope"}); envErr == nil {
				s.sendNow(env)
			}
			break
		}

		if !handlerFunc(s, request) {
			break
		}
	}

}

func (s *session) resetPingTimer() bool {

	if !s.pingTimerCas.CAS(1, 0) {
		return true
	}
	defer s.pingTimerCas.CAS(0, 1)

	s.Lock()
	if s.closed {
		s.Unlock()
		return false
	}

	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}

	s.pingTimer.Reset(s.pingPeriodTime)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitTime))
	s.Unlock()
	if err != nil {
		s.logger.Errorw("Error while trying to set read deadline on socket connection", "error", err)
		s.Close()
		return false
	}
	return true
}

func (s *session) processOutgoing() {
	defer s.Close()
	for {
		select {
		case <-s.pingTimer.C:
			if !s.pingNow() {
				return
			}
		case payload, ok := <-s.outgoingCh:
			if !ok {
				return
			}
			s.Lock()

			if s.closed {
				s.Unlock()
				return
			}

			s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitTime))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Unlock()
				s.logger.Errorw("Could not write message", "error", err)
				return
			}
			s.Unlock()
		}
	}

}

func (s *session) pingNow() bool {
	s.Lock()
	if s.closed {
		s.Unlock()
		return false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitTime)); err != nil {
		s.Unlock()
		s.logger.Errorw("Could not set write deadline to ping", "error", err)
		return false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Errorw("Could not send ping", "error", err)
		return false
	}

	return true
}

func (s *session) Send(isStream bool, envelope *api.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Errorw("Could not marshal envelope", "envelope", envelope, "error", err)
		return err
	}

	return s.SendBytes(isStream, payload)
}

func (s *session) SendBytes(isStream bool, payload []byte) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return errors.New("session closed")
	}

	if isStream {
		s.outgoingCh <- payload
		s.Unlock()
		return nil
	}

	// By default attempt to queue messages and observe failures.
	select {
	case s.outgoingCh <- payload:
		s.Unlock()
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't
		// keep up. Terminate the connection immediately because the only
		// alternative that doesn't block the server is to start dropping
		// messages, which might cause unexpected behaviour.
		s.Unlock()
		s.logger.Warnw("Could not write message, session outgoing queue full", "id", s.id.String())
		s.Close()
		return errors.New("outgoing queue full")
	}
}

func (s *session) Close() {

	s.Lock()
	// This method can be triggered from many places; the closed flag keeps
	// it from running twice.
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.Unlock()

	s.stats.DecrSocketConnection()

	// A dying session takes its match down with it so the opponent isn't
	// left waiting for the sweep. Close can be reached from under the match
	// lock (a full outgoing queue during a score push), so the abort must
	// not re-acquire that lock on this goroutine.
	if m, side := s.currentMatch(); m != nil {
		go m.Abort(side, model.StatusNoConnection)
	}

	s.registry.RemoveListener(s.PlayerID())
	s.registry.Remove(s)

	s.pingTimer.Stop()
	close(s.outgoingCh)

	if s.conn == nil {
		return
	}

	if err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.writeWaitTime)); err != nil {
		s.logger.Debugw("Couldn't send close message to client", "id", s.id.String())
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Debugw("Couldn't close socket connection", "sessionID", s.id.String(), "error", err)
	}

}

func (s *session) IsClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}
