package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpsbroker/api"
	"rpsbroker/model"
)

// pumpClient plays the remote client for a socketless session: it drains
// the outgoing queue and answers invitations and score pushes with the
// given statuses. Passing onInvite=nil fails the test if an invitation ever
// reaches this client.
func pumpClient(t *testing.T, s *session, inviteStatus, pushStatus model.StatusCode, allowInvite bool) {
	t.Helper()
	go func() {
		for payload := range s.outgoingCh {
			env := &api.Envelope{}
			if err := json.Unmarshal(payload, env); err != nil {
				continue
			}
			switch env.Type {
			case api.TypeMatchInvitation:
				if !allowInvite {
					t.Errorf("invitation reached a client that must not be contacted")
					continue
				}
				reply, _ := api.NewEnvelope(env.Cid, api.TypeInvitationReply, api.InvitationReply{Status: inviteStatus})
				s.resolvePending(reply)
			case api.TypeScorePush:
				reply, _ := api.NewEnvelope(env.Cid, api.TypeScoreAck, api.ScoreAck{Status: pushStatus})
				s.resolvePending(reply)
			}
		}
	}()
}

func newTestBroker(t *testing.T, config *Config) (*Broker, *Registry, *MatchTable) {
	reg := NewRegistry(config, testLogger())
	table := NewMatchTable()
	return NewBroker(reg, table, config, sharedStats(), testLogger()), reg, table
}

func registerSession(t *testing.T, b *Broker, reg *Registry, config *Config, team, origin string) *session {
	t.Helper()
	s := newTestSession(team, origin, config, reg)
	_, rc := b.Register(s, team)
	require.Equal(t, model.StatusOK, rc)
	require.Equal(t, model.StateAvailable, s.State())
	return s
}

func TestBrokerMatchAcceptedAndPlayed(t *testing.T) {
	config := testConfig(t)
	broker, reg, table := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s1, model.StatusOK, model.StatusOK, true)
	pumpClient(t, s2, model.StatusOK, model.StatusOK, true)

	require.Equal(t, model.StatusOK, broker.RequestMatch(s1, s2.PlayerID(), 3))

	assert.Equal(t, model.StateMatchInPlay, s1.State())
	assert.Equal(t, model.StateMatchInPlay, s2.State())
	assert.Equal(t, 1, table.Count())

	m1, side1 := s1.currentMatch()
	m2, side2 := s2.currentMatch()
	require.NotNil(t, m1)
	assert.Equal(t, m1, m2)
	assert.Equal(t, SideP1, side1)
	assert.Equal(t, SideP2, side2)

	// play one round through the sessions; both pushes get acked
	require.Equal(t, model.StatusOK, s1.DoGesture(model.GestureRock))
	require.Equal(t, model.StatusOK, s2.DoGesture(model.GestureScissors))

	sc := s1.GetScorecard()
	require.Equal(t, model.StatusOK, sc.Status)
	assert.Equal(t, 1, sc.MyScore)
	assert.Equal(t, 0, sc.OpponentScore)
	assert.Equal(t, 1, sc.RoundsPlayed)
}

func TestBrokerRequesterMustBeAvailable(t *testing.T) {
	config := testConfig(t)
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")

	s1.setState(model.StateMatchInPlay)
	assert.Equal(t, model.StatusWrongState, broker.RequestMatch(s1, s2.PlayerID(), 3))
}

func TestBrokerUnknownTarget(t *testing.T) {
	config := testConfig(t)
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")

	assert.Equal(t, model.StatusUnrecognizedPlayer, broker.RequestMatch(s1, 424242, 3))
	assert.Equal(t, model.StateAvailable, s1.State())

	// a session can't play against itself
	assert.Equal(t, model.StatusUnrecognizedPlayer, broker.RequestMatch(s1, s1.PlayerID(), 3))
	assert.Equal(t, model.StateAvailable, s1.State())
}

func TestBrokerExplicitDenyIsNotSticky(t *testing.T) {
	config := testConfig(t)
	broker, reg, table := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s2, model.StatusRequestDenied, model.StatusOK, true)

	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), 3))

	assert.Equal(t, model.StateAvailable, s1.State())
	assert.Equal(t, model.StateAvailable, s2.State())
	assert.Equal(t, 0, table.Count())
	assert.False(t, notAccepting(s2))
}

func TestBrokerUnexpectedReplyBlacklistsTarget(t *testing.T) {
	config := testConfig(t)
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s2, model.StatusNotImplemented, model.StatusOK, true)

	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), 3))
	assert.True(t, notAccepting(s2))
}

func TestBrokerStickyRefusalSkipsClient(t *testing.T) {
	config := testConfig(t)
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	s2.setNotAccepting()
	pumpClient(t, s2, model.StatusOK, model.StatusOK, false)

	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), 3))
	assert.Equal(t, model.StateAvailable, s1.State())
	assert.Equal(t, model.StateAvailable, s2.State())
}

func TestBrokerInvitationTimeout(t *testing.T) {
	config := testConfig(t)
	config.MatchConfig.InvitationTimeout = 50
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	// target's client never answers the invitation
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")

	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), 3))
	assert.Equal(t, model.StateAvailable, s1.State())
	assert.Equal(t, model.StateAvailable, s2.State())

	// an unanswered invitation is not held against the client
	assert.False(t, notAccepting(s2))
}

func TestBrokerStaleMatchDiscardedOnNextRequest(t *testing.T) {
	config := testConfig(t)
	broker, reg, table := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s1, model.StatusOK, model.StatusOK, true)
	pumpClient(t, s2, model.StatusOK, model.StatusOK, true)

	require.Equal(t, model.StatusOK, broker.RequestMatch(s1, s2.PlayerID(), 1))
	first, _ := s1.currentMatch()

	// finish the single round; both sides end up informed and available
	require.Equal(t, model.StatusOK, s1.DoGesture(model.GestureRock))
	require.Equal(t, model.StatusOK, s2.DoGesture(model.GesturePaper))
	require.True(t, first.Over())
	require.Equal(t, model.StateAvailable, s1.State())
	require.Equal(t, model.StateAvailable, s2.State())

	require.Equal(t, model.StatusOK, broker.RequestMatch(s1, s2.PlayerID(), 3))
	second, _ := s1.currentMatch()
	assert.NotEqual(t, first, second)

	// the old, terminal match is gone from the table
	assert.Equal(t, 1, table.Count())
	assert.Nil(t, table.matches[first.ID()])
}

func TestBrokerGestureReturnsWhenPeerStopsDraining(t *testing.T) {
	config := testConfig(t)
	config.MatchConfig.PushTimeout = 100
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s2, model.StatusOK, model.StatusOK, true)

	require.Equal(t, model.StatusOK, broker.RequestMatch(s1, s2.PlayerID(), 3))

	// the requester's client stops draining its queue entirely, so the
	// score push to it overflows and tears its session down mid-round
	s1.outgoingCh = make(chan []byte)

	require.Equal(t, model.StatusOK, s1.DoGesture(model.GestureRock))

	done := make(chan model.StatusCode, 1)
	go func() { done <- s2.DoGesture(model.GestureScissors) }()

	select {
	case rc := <-done:
		assert.Equal(t, model.StatusOK, rc)
	case <-time.After(3 * time.Second):
		t.Fatal("gesture against a stalled peer did not return")
	}

	assert.Eventually(t, s1.IsClosed, time.Second, 10*time.Millisecond)
	m, _ := s2.currentMatch()
	assert.Eventually(t, m.Over, time.Second, 10*time.Millisecond)
}

func TestBrokerMaxRoundsBounds(t *testing.T) {
	config := testConfig(t)
	broker, reg, _ := newTestBroker(t, config)

	s1 := registerSession(t, broker, reg, config, "alpha", "10.0.0.1")
	s2 := registerSession(t, broker, reg, config, "beta", "10.0.0.2")
	pumpClient(t, s2, model.StatusOK, model.StatusOK, false)

	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), 0))
	assert.Equal(t, model.StatusRequestDenied, broker.RequestMatch(s1, s2.PlayerID(), config.MatchConfig.MaxRoundsLimit+1))
	assert.Equal(t, model.StateAvailable, s1.State())
}

func notAccepting(s *session) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.notAcceptingMatches
}
