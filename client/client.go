package client

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"cirello.io/goherokuname"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"rpsbroker/api"
	"rpsbroker/model"
)

const (
	// DefaultServerAddr is the broker endpoint used when none is configured.
	DefaultServerAddr = "localhost:7350"

	// DefaultRetryBudget bounds gesture submission and scorecard polling.
	DefaultRetryBudget = 50

	// DefaultRetryDelay is the fixed delay between retry attempts.
	DefaultRetryDelay = 50 * time.Millisecond

	// DefaultHeartbeatPeriod keeps the session out of the broker's zombie
	// sweep.
	DefaultHeartbeatPeriod = 2500 * time.Millisecond

	// DefaultCallTimeout bounds a single request/response round trip. It
	// must exceed the broker's invitation timeout or match requests against
	// a slow opponent time out client-side first.
	DefaultCallTimeout = 30 * time.Second
)

// NotificationHandler receives the broker's push notifications. A nil
// handler answers every invitation with NOT_IMPLEMENTED and never
// acknowledges score pushes, leaving the driver on the polling path.
type NotificationHandler interface {
	OnMatchInvitation(challenger model.PlayerEntry, maxRounds int) model.StatusCode
	OnScorePush(sc model.Scorecard) model.StatusCode
	OnMatchAborted(reason model.StatusCode)
	OnSessionEnding(reason model.StatusCode)
}

// ListObserver is optionally implemented by a NotificationHandler that also
// wants player-list change events after AddListListener.
type ListObserver interface {
	OnPlayerListAction(action model.ListAction)
}

// fatalGestureStatus are the doGesture outcomes that end the retry loop
// immediately.
var fatalGestureStatus = map[model.StatusCode]bool{
	model.StatusMatchEnded:         true,
	model.StatusUnrecognizedPlayer: true,
	model.StatusServerDown:         true,
	model.StatusNoConnection:       true,
	model.StatusInternalError:      true,
}

// fatalScorecardStatus are the getScorecard outcomes that end the polling
// loop immediately. IN_GAME_MODE is deliberately absent, it means the
// opponent hasn't gestured yet.
var fatalScorecardStatus = map[model.StatusCode]bool{
	model.StatusMatchEnded:         true,
	model.StatusWrongState:         true,
	model.StatusUnrecognizedPlayer: true,
	model.StatusServerDown:         true,
	model.StatusNoConnection:       true,
	model.StatusInternalError:      true,
}

// Client drives one registered session against the broker.
type Client struct {
	serverAddr string
	teamName   string
	handler    NotificationHandler
	logger     *zap.SugaredLogger

	retryBudget     int
	retryDelay      time.Duration
	callTimeout     time.Duration
	heartbeatPeriod time.Duration

	playerID *atomic.Int64

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *api.Envelope

	closedCh  chan struct{}
	closeOnce sync.Once

	// call is swapped out in tests to drive the retry loops without a
	// socket.
	call func(msgType string, payload interface{}, out interface{}) error
}

// Cfg configures a Client.
type Cfg func(*Client) error

// WithServerAddr sets the broker host:port to connect to.
func WithServerAddr(addr string) Cfg {
	return func(c *Client) error {
		c.serverAddr = addr
		return nil
	}
}

// WithTeamName sets the team name to register under.
func WithTeamName(name string) Cfg {
	return func(c *Client) error {
		if name == "" {
			return errors.New("team name must not be empty")
		}
		c.teamName = name
		return nil
	}
}

// WithHandler sets the push notification handler.
func WithHandler(h NotificationHandler) Cfg {
	return func(c *Client) error {
		c.handler = h
		return nil
	}
}

// WithRetryBudget sets the retry budget for gesture submission and
// scorecard polling.
func WithRetryBudget(n int) Cfg {
	return func(c *Client) error {
		if n < 1 {
			return errors.New("retry budget must be at least 1")
		}
		c.retryBudget = n
		return nil
	}
}

// WithRetryDelay sets the fixed delay between retry attempts.
func WithRetryDelay(d time.Duration) Cfg {
	return func(c *Client) error {
		c.retryDelay = d
		return nil
	}
}

// WithCallTimeout bounds a single request/response round trip.
func WithCallTimeout(d time.Duration) Cfg {
	return func(c *Client) error {
		c.callTimeout = d
		return nil
	}
}

// WithLogger sets the driver's logger.
func WithLogger(l *zap.SugaredLogger) Cfg {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// NewClient creates a new Client with the given configuration. Unset
// options fall back to defaults; an unset team name gets a generated one.
func NewClient(cfgs ...Cfg) (*Client, error) {
	c := &Client{
		serverAddr:      DefaultServerAddr,
		retryBudget:     DefaultRetryBudget,
		retryDelay:      DefaultRetryDelay,
		callTimeout:     DefaultCallTimeout,
		heartbeatPeriod: DefaultHeartbeatPeriod,
		playerID:        atomic.NewInt64(0),
		pending:         make(map[string]chan *api.Envelope),
		closedCh:        make(chan struct{}),
	}
	for _, cfg := range cfgs {
		if err := cfg(c); err != nil {
			return nil, errors.Wrap(err, "apply Client cfg failed")
		}
	}
	if c.teamName == "" {
		c.teamName = goherokuname.Haikunate()
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.call = c.wsCall
	return c, nil
}

// Connect dials the broker, registers the team name and starts the
// keepalive heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	u := url.URL{Scheme: "ws", Host: c.serverAddr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "connect to %s failed", c.serverAddr)
	}
	c.conn = conn
	go c.readLoop()

	var resp api.RegisterResponse
	if err := c.call(api.TypeRegister, api.Register{TeamName: c.teamName}, &resp); err != nil {
		c.shutdown()
		return errors.Wrap(err, "register failed")
	}
	if resp.Status != model.StatusOK {
		c.shutdown()
		return errors.Wrapf(ErrRegistrationRefused, "status %s", resp.Status)
	}
	c.playerID.Store(resp.PlayerID)
	c.logger.Infow("registered with broker", "team", c.teamName, "id", resp.PlayerID)

	go c.heartbeat()
	return nil
}

// PlayerID returns the broker-assigned player id, zero before registration.
func (c *Client) PlayerID() int64 {
	return c.playerID.Load()
}

func (c *Client) TeamName() string {
	return c.teamName
}

// ListPlayers fetches a snapshot of all registered players.
func (c *Client) ListPlayers() ([]model.PlayerEntry, error) {
	var resp api.ListPlayersResponse
	if err := c.call(api.TypeListPlayers, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != model.StatusOK {
		return nil, errors.Errorf("list players refused: %s", resp.Status)
	}
	return resp.Players, nil
}

// RequestMatch asks the broker to negotiate a match against the target
// player. The call blocks until the target's client answered the
// invitation or the broker gave up on it.
func (c *Client) RequestMatch(targetID int64, maxRounds int) (model.StatusCode, error) {
	var resp api.StatusResponse
	if err := c.call(api.TypeRequestMatch, api.RequestMatch{TargetID: targetID, MaxRounds: maxRounds}, &resp); err != nil {
		return model.StatusNoConnection, err
	}
	return resp.Status, nil
}

// DoGesture submits a gesture, retrying transient statuses with a fixed
// delay until the budget is exhausted. Fatal statuses are returned
// immediately; an exhausted budget yields LOSS_OF_SYNCHRONIZATION and the
// caller must treat the match as unrecoverable.
func (c *Client) DoGesture(g model.Gesture) model.StatusCode {
	for attempt := 0; attempt < c.retryBudget; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay)
		}
		var resp api.StatusResponse
		if err := c.call(api.TypeDoGesture, api.DoGesture{Gesture: g}, &resp); err != nil {
			c.logger.Debugw("gesture attempt failed", "attempt", attempt, "error", err)
			continue
		}
		if resp.Status == model.StatusOK || fatalGestureStatus[resp.Status] {
			return resp.Status
		}
	}
	return model.StatusLossOfSync
}

// Scorecard polls for the current round's result until it is available, a
// fatal status ends the match, or the retry budget runs out.
func (c *Client) Scorecard() model.Scorecard {
	var last model.Scorecard
	for attempt := 0; attempt < c.retryBudget; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay)
		}
		var resp api.ScorecardResponse
		if err := c.call(api.TypeGetScorecard, nil, &resp); err != nil {
			c.logger.Debugw("scorecard attempt failed", "attempt", attempt, "error", err)
			continue
		}
		last = resp.Scorecard
		if last.Status == model.StatusOK || fatalScorecardStatus[last.Status] {
			return last
		}
	}
	last.Status = model.StatusLossOfSync
	return last
}

// AbortMatch ends the current match early. The opponent is notified by the
// broker.
func (c *Client) AbortMatch(reason model.StatusCode) error {
	var resp api.StatusResponse
	return c.call(api.TypeAbortMatch, api.AbortMatch{Reason: reason}, &resp)
}

// AddListListener subscribes to player-list change events, delivered to the
// handler's ListObserver implementation.
func (c *Client) AddListListener() error {
	var resp api.StatusResponse
	return c.call(api.TypeAddListener, nil, &resp)
}

func (c *Client) RemoveListListener() error {
	var resp api.StatusResponse
	return c.call(api.TypeRemoveListener, nil, &resp)
}

// Close tells the broker the session is done and tears the connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	var resp api.StatusResponse
	if err := c.call(api.TypeTerminate, api.Terminate{}, &resp); err != nil {
		c.logger.Debugw("terminate request failed", "error", err)
	}
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debugw("connection closed", "error", err)
			c.shutdown()
			return
		}
		env := &api.Envelope{}
		if err := json.Unmarshal(data, env); err != nil {
			c.logger.Warnw("malformed frame dropped", "error", err)
			continue
		}

		switch env.Type {
		case api.TypeMatchInvitation:
			go c.handleInvitation(env)
		case api.TypeScorePush:
			go c.handleScorePush(env)
		case api.TypeMatchAborted:
			go c.handleMatchAborted(env)
		case api.TypeSessionEnding:
			go c.handleSessionEnding(env)
		case api.TypePlayerList:
			go c.handlePlayerList(env)
		default:
			if !c.resolvePending(env) {
				c.logger.Debugw("unmatched response dropped", "type", env.Type, "cid", env.Cid)
			}
		}
	}
}

func (c *Client) handleInvitation(env *api.Envelope) {
	var inv api.MatchInvitation
	status := model.StatusNotImplemented
	if err := env.Decode(&inv); err != nil {
		c.logger.Warnw("malformed invitation", "error", err)
		status = model.StatusInternalError
	} else if c.handler != nil {
		status = c.handler.OnMatchInvitation(inv.Challenger, inv.MaxRounds)
	}
	c.reply(env.Cid, api.TypeInvitationReply, api.InvitationReply{Status: status})
}

func (c *Client) handleScorePush(env *api.Envelope) {
	var push api.ScorePush
	status := model.StatusNotImplemented
	if err := env.Decode(&push); err != nil {
		c.logger.Warnw("malformed score push", "error", err)
		status = model.StatusInternalError
	} else if c.handler != nil {
		status = c.handler.OnScorePush(push.Scorecard)
	}
	c.reply(env.Cid, api.TypeScoreAck, api.ScoreAck{Status: status})
}

func (c *Client) handleMatchAborted(env *api.Envelope) {
	var msg api.MatchAborted
	if err := env.Decode(&msg); err != nil {
		return
	}
	c.logger.Infow("match aborted by peer", "reason", msg.Reason)
	if c.handler != nil {
		c.handler.OnMatchAborted(msg.Reason)
	}
}

func (c *Client) handleSessionEnding(env *api.Envelope) {
	var msg api.SessionEnding
	if err := env.Decode(&msg); err != nil {
		msg.Reason = model.StatusNoConnection
	}
	c.logger.Infow("session ended by broker", "reason", msg.Reason)
	if c.handler != nil {
		c.handler.OnSessionEnding(msg.Reason)
	}
	c.shutdown()
}

func (c *Client) handlePlayerList(env *api.Envelope) {
	var msg api.PlayerList
	if err := env.Decode(&msg); err != nil {
		return
	}
	if lo, ok := c.handler.(ListObserver); ok {
		lo.OnPlayerListAction(msg.Action)
	}
}

func (c *Client) reply(cid, msgType string, payload interface{}) {
	env, err := api.NewEnvelope(cid, msgType, payload)
	if err != nil {
		c.logger.Errorw("could not build reply", "type", msgType, "error", err)
		return
	}
	if err := c.send(env); err != nil {
		c.logger.Debugw("could not deliver reply", "type", msgType, "error", err)
	}
}

// heartbeat keeps the session out of the broker's zombie sweep.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			env, err := api.NewEnvelope("", api.TypeKeepAlive, nil)
			if err != nil {
				continue
			}
			if err := c.send(env); err != nil {
				c.logger.Debugw("keepalive failed", "error", err)
			}
		}
	}
}

// wsCall performs one request/response round trip over the socket.
func (c *Client) wsCall(msgType string, payload interface{}, out interface{}) error {
	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}

	cid := uuid.NewV4().String()
	ch := make(chan *api.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[cid] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cid)
		c.pendingMu.Unlock()
	}()

	env, err := api.NewEnvelope(cid, msgType, payload)
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == api.TypeError {
			var e api.Error
			if err := reply.Decode(&e); err != nil {
				return err
			}
			return errors.Errorf("%s request rejected: %s (%s)", msgType, e.Code, e.Message)
		}
		if out == nil {
			return nil
		}
		return reply.Decode(out)
	case <-timer.C:
		return errors.Errorf("%s call timed out", msgType)
	case <-c.closedCh:
		return ErrClosed
	}
}

func (c *Client) resolvePending(env *api.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.Cid]
	if ok {
		delete(c.pending, env.Cid)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *Client) send(env *api.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "marshal %s envelope failed", env.Type)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return errors.Wrapf(c.conn.WriteMessage(websocket.TextMessage, payload), "write %s envelope failed", env.Type)
}
