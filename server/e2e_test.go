package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"rpsbroker/api"
	"rpsbroker/client"
	"rpsbroker/model"
)

// recordingHandler accepts every invitation and records pushed scorecards.
type recordingHandler struct {
	scores chan model.Scorecard
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{scores: make(chan model.Scorecard, 8)}
}

func (h *recordingHandler) OnMatchInvitation(challenger model.PlayerEntry, maxRounds int) model.StatusCode {
	return model.StatusOK
}

func (h *recordingHandler) OnScorePush(sc model.Scorecard) model.StatusCode {
	h.scores <- sc
	return model.StatusOK
}

func (h *recordingHandler) OnMatchAborted(reason model.StatusCode) {}

func (h *recordingHandler) OnSessionEnding(reason model.StatusCode) {}

func (h *recordingHandler) nextScore(t *testing.T) model.Scorecard {
	t.Helper()
	select {
	case sc := <-h.scores:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for score push")
		return model.Scorecard{}
	}
}

func startTestServer(t *testing.T) string {
	t.Helper()
	config := testConfig(t)
	reg := NewRegistry(config, testLogger())
	table := NewMatchTable()
	broker := NewBroker(reg, table, config, sharedStats(), testLogger())
	pipeline := NewPipeline(broker, reg, table, sharedStats(), testLogger())

	ts := httptest.NewServer(http.HandlerFunc(NewSocketAcceptor(reg, config, pipeline, sharedStats(), testLogger())))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func connectTestClient(t *testing.T, addr, team string, h client.NotificationHandler) *client.Client {
	t.Helper()
	c, err := client.NewClient(
		client.WithServerAddr(addr),
		client.WithTeamName(team),
		client.WithHandler(h),
		client.WithRetryDelay(10*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func playRound(t *testing.T, a, b *client.Client, ga, gb model.Gesture) {
	t.Helper()
	g := new(errgroup.Group)
	g.Go(func() error {
		if rc := a.DoGesture(ga); rc != model.StatusOK {
			return errors.Errorf("first player's gesture failed: %s", rc)
		}
		return nil
	})
	g.Go(func() error {
		if rc := b.DoGesture(gb); rc != model.StatusOK {
			return errors.Errorf("second player's gesture failed: %s", rc)
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestThreeRoundMatchEndToEnd(t *testing.T) {
	addr := startTestServer(t)

	ha := newRecordingHandler()
	hb := newRecordingHandler()
	a := connectTestClient(t, addr, "A", ha)
	b := connectTestClient(t, addr, "B", hb)

	require.NotZero(t, a.PlayerID())
	require.NotZero(t, b.PlayerID())

	players, err := a.ListPlayers()
	require.NoError(t, err)
	require.Len(t, players, 2)

	rc, err := a.RequestMatch(b.PlayerID(), 3)
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, rc)

	// round one: ROCK beats SCISSORS
	playRound(t, a, b, model.GestureRock, model.GestureScissors)
	sc := ha.nextScore(t)
	assert.Equal(t, 1, sc.MyScore)
	assert.Equal(t, 0, sc.OpponentScore)
	assert.Equal(t, 0, sc.Ties)
	assert.Equal(t, 1, sc.RoundsPlayed)
	assert.Equal(t, 3, sc.MaxRounds)
	assert.Equal(t, model.GestureScissors, sc.OpponentGesture)
	hb.nextScore(t)

	// round two: PAPER ties PAPER
	playRound(t, a, b, model.GesturePaper, model.GesturePaper)
	sc = ha.nextScore(t)
	assert.Equal(t, 1, sc.MyScore)
	assert.Equal(t, 1, sc.Ties)
	assert.Equal(t, 2, sc.RoundsPlayed)
	hb.nextScore(t)

	// round three: B's ROCK beats A's SCISSORS
	playRound(t, a, b, model.GestureScissors, model.GestureRock)
	sc = ha.nextScore(t)
	assert.Equal(t, 1, sc.MyScore)
	assert.Equal(t, 1, sc.OpponentScore)
	assert.Equal(t, 1, sc.Ties)
	assert.Equal(t, 3, sc.RoundsPlayed)
	hb.nextScore(t)

	// the match is over, every further query says so
	assert.Equal(t, model.StatusMatchEnded, a.Scorecard().Status)
	assert.Equal(t, model.StatusMatchEnded, b.Scorecard().Status)
}

func TestMatchRequestDeniedEndToEnd(t *testing.T) {
	addr := startTestServer(t)

	ha := newRecordingHandler()
	a := connectTestClient(t, addr, "A", ha)
	// no handler: the target's client answers NOT_IMPLEMENTED
	b := connectTestClient(t, addr, "B", nil)

	rc, err := a.RequestMatch(b.PlayerID(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequestDenied, rc)

	// the unexpected reply blacklisted the target for good
	rc, err = a.RequestMatch(b.PlayerID(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequestDenied, rc)
}

func TestMalformedFrameAnsweredBeforeClose(t *testing.T) {
	addr := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// the session answers with an error frame before it is torn down
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	env := &api.Envelope{}
	require.NoError(t, json.Unmarshal(payload, env))
	require.Equal(t, api.TypeError, env.Type)
	var failure api.Error
	require.NoError(t, env.Decode(&failure))
	assert.Equal(t, model.StatusInternalError, failure.Code)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestAbortMatchEndToEnd(t *testing.T) {
	addr := startTestServer(t)

	ha := newRecordingHandler()
	hb := newRecordingHandler()
	a := connectTestClient(t, addr, "A", ha)
	b := connectTestClient(t, addr, "B", hb)

	rc, err := a.RequestMatch(b.PlayerID(), 3)
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, rc)

	require.NoError(t, a.AbortMatch(model.StatusMatchEnded))

	// the opponent's driver can play again right away
	rc, err = b.RequestMatch(a.PlayerID(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, rc)
}
