package server

import (
	"sync"
	"testing"
	"time"

	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"rpsbroker/api"
	"rpsbroker/model"
)

var (
	testStatsOnce sync.Once
	testStats     *Stats
)

// sharedStats registers the opencensus views only once per test binary.
func sharedStats() *Stats {
	testStatsOnce.Do(func() {
		testStats = NewStatsHolder(testLogger())
	})
	return testStats
}

func testConfig(t *testing.T) *Config {
	config := &Config{}
	require.NoError(t, configor.Load(config))
	return config
}

// newTestSession builds a session without a live socket. Outgoing frames
// pile up in the queue; tests that need the client side drain it.
func newTestSession(team, origin string, config *Config, reg *Registry) *session {
	return &session{
		id:            uuid.NewV4(),
		playerID:      atomic.NewInt64(0),
		teamName:      team,
		origin:        origin,
		state:         model.StateDisconnected,
		lastKeepAlive: atomic.NewInt64(time.Now().UnixNano()),
		registry:      reg,
		config:        config,
		stats:         sharedStats(),
		logger:        testLogger(),
		pingTimer:     time.NewTimer(time.Hour),
		pingTimerCas:  atomic.NewUint32(1),
		outgoingCh:    make(chan []byte, 64),
		pending:       make(map[string]chan *api.Envelope),
	}
}

type fakeListener struct {
	id   int64
	fail bool

	mu      sync.Mutex
	actions []model.ListAction
}

func (l *fakeListener) ListenerID() int64 { return l.id }

func (l *fakeListener) NotifyListAction(action model.ListAction) error {
	if l.fail {
		return errors.New("listener unavailable")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action)
	return nil
}

func (l *fakeListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

func TestRegistryAddAssignsUniqueIDs(t *testing.T) {
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	s2 := newTestSession("beta", "10.0.0.2", config, reg)

	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))
	require.Equal(t, model.StatusOK, reg.AddPlayer(s2))

	assert.NotZero(t, s1.PlayerID())
	assert.NotZero(t, s2.PlayerID())
	assert.NotEqual(t, s1.PlayerID(), s2.PlayerID())

	assert.Equal(t, s1, reg.Lookup(s1.PlayerID()))
	assert.Equal(t, s2, reg.Lookup(s2.PlayerID()))
	assert.Equal(t, 2, reg.Count())
}

func TestRegistryDuplicateOriginEvictsPrior(t *testing.T) {
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))

	s2 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s2))

	// the new session is the sole live entry for the pair
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, s2, reg.FindByOrigin("alpha", "10.0.0.1"))
	assert.Nil(t, reg.Lookup(s1.PlayerID()))

	// the prior one is terminated, best-effort and asynchronously
	assert.Eventually(t, s1.IsClosed, time.Second, 10*time.Millisecond)
}

func TestRegistryCapacityRefusalLeavesStateIntact(t *testing.T) {
	config := testConfig(t)
	config.RegistryConfig.Capacity = 2
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	s2 := newTestSession("beta", "10.0.0.2", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))
	require.Equal(t, model.StatusOK, reg.AddPlayer(s2))

	s3 := newTestSession("gamma", "10.0.0.3", config, reg)
	assert.Equal(t, model.StatusServerDown, reg.AddPlayer(s3))

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, s1, reg.Lookup(s1.PlayerID()))
	assert.Equal(t, s2, reg.Lookup(s2.PlayerID()))
	assert.False(t, s1.IsClosed())
	assert.False(t, s2.IsClosed())
}

func TestRegistryReRegisterAtCapacity(t *testing.T) {
	config := testConfig(t)
	config.RegistryConfig.Capacity = 1
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))

	// same (team, origin) replaces the old entry instead of hitting the cap
	s2 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s2))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))

	reg.Remove(s1)
	assert.Equal(t, 0, reg.Count())
	reg.Remove(s1)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistrySweepEvictsStaleSessions(t *testing.T) {
	config := testConfig(t)
	config.RegistryConfig.DeadThreshold = 50
	reg := NewRegistry(config, testLogger())

	stale := newTestSession("alpha", "10.0.0.1", config, reg)
	fresh := newTestSession("beta", "10.0.0.2", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(stale))
	require.Equal(t, model.StatusOK, reg.AddPlayer(fresh))

	stale.lastKeepAlive.Store(time.Now().Add(-time.Second).UnixNano())

	reg.Sweep()

	assert.Equal(t, 1, reg.Count())
	assert.Nil(t, reg.Lookup(stale.PlayerID()))
	assert.Equal(t, fresh, reg.Lookup(fresh.PlayerID()))
	assert.True(t, stale.IsClosed())

	players := reg.ListPlayers()
	require.Len(t, players, 1)
	assert.Equal(t, "beta", players[0].TeamName)
}

func TestRegistryListenerFanout(t *testing.T) {
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())

	good := &fakeListener{id: 100}
	bad := &fakeListener{id: 200, fail: true}
	reg.AddListener(good)
	reg.AddListener(bad)

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))

	// delivery is fire-and-forget; the failing listener never blocks the
	// healthy one
	assert.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 10*time.Millisecond)
	action := good.actions[0]
	assert.Equal(t, model.ListActionAdd, action.Kind)
	assert.Equal(t, "alpha", action.Player.TeamName)

	reg.ChangeState(s1, model.StateAvailable)
	assert.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 10*time.Millisecond)

	reg.RemoveListener(good.ListenerID())
	reg.Remove(s1)
	assert.Never(t, func() bool { return good.count() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRegistryCasState(t *testing.T) {
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())

	s1 := newTestSession("alpha", "10.0.0.1", config, reg)
	require.Equal(t, model.StatusOK, reg.AddPlayer(s1))
	reg.ChangeState(s1, model.StateAvailable)

	assert.True(t, reg.CasState(s1, model.StateAvailable, model.StateRequestInProgress))
	assert.False(t, reg.CasState(s1, model.StateAvailable, model.StateMatchInPlay))
	assert.Equal(t, model.StateRequestInProgress, s1.State())
}
