// Package api defines the JSON wire protocol spoken between the broker and
// its clients over a websocket connection. Every frame is an Envelope: a
// correlation id, a message type, and a type-specific payload. Responses
// and push acknowledgments echo the Cid of the frame they answer.
package api

import (
	"encoding/json"

	"github.com/pkg/errors"

	"rpsbroker/model"
)

// Message types carried in Envelope.Type.
const (
	// Client → server requests.
	TypeRegister       = "register"
	TypeListPlayers    = "listPlayers"
	TypeRequestMatch   = "requestMatch"
	TypeDoGesture      = "doGesture"
	TypeGetScorecard   = "getScorecard"
	TypeAbortMatch     = "abortMatch"
	TypeKeepAlive      = "keepAlive"
	TypeAddListener    = "addListListener"
	TypeRemoveListener = "removeListListener"
	TypeTerminate      = "terminate"

	// Server → client responses.
	TypeRegisterResponse     = "registerResponse"
	TypeListPlayersResponse  = "listPlayersResponse"
	TypeRequestMatchResponse = "requestMatchResponse"
	TypeDoGestureResponse    = "doGestureResponse"
	TypeScorecardResponse    = "scorecardResponse"
	TypeStatusResponse       = "statusResponse"
	TypeError                = "error"

	// Server → client pushes.
	TypeMatchInvitation = "matchInvitation"
	TypeScorePush       = "scorePush"
	TypeMatchAborted    = "matchAborted"
	TypeSessionEnding   = "sessionEnding"
	TypePlayerList      = "playerList"

	// Client → server push replies.
	TypeInvitationReply = "invitationReply"
	TypeScoreAck        = "scoreAck"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Cid  string          `json:"cid,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Register struct {
	TeamName string `json:"teamName"`
}

type RegisterResponse struct {
	Status   model.StatusCode `json:"status"`
	PlayerID int64            `json:"playerId,omitempty"`
}

type ListPlayersResponse struct {
	Status  model.StatusCode    `json:"status"`
	Players []model.PlayerEntry `json:"players"`
}

type RequestMatch struct {
	TargetID  int64 `json:"targetId"`
	MaxRounds int   `json:"maxRounds"`
}

type DoGesture struct {
	Gesture model.Gesture `json:"gesture"`
}

type AbortMatch struct {
	Reason model.StatusCode `json:"reason"`
}

type Terminate struct {
	Reason model.StatusCode `json:"reason,omitempty"`
}

// StatusResponse answers any request whose only result is a status code.
type StatusResponse struct {
	Status model.StatusCode `json:"status"`
}

type ScorecardResponse struct {
	Scorecard model.Scorecard `json:"scorecard"`
}

type MatchInvitation struct {
	Challenger model.PlayerEntry `json:"challenger"`
	MaxRounds  int               `json:"maxRounds"`
}

type InvitationReply struct {
	Status model.StatusCode `json:"status"`
}

type ScorePush struct {
	Scorecard model.Scorecard `json:"scorecard"`
}

type ScoreAck struct {
	Status model.StatusCode `json:"status"`
}

type MatchAborted struct {
	Reason model.StatusCode `json:"reason"`
}

type SessionEnding struct {
	Reason model.StatusCode `json:"reason"`
}

type PlayerList struct {
	Action model.ListAction `json:"action"`
}

type Error struct {
	Code    model.StatusCode `json:"code"`
	Message string           `json:"message"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(cid, msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Cid: cid, Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload failed", msgType)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s envelope has no payload", e.Type)
	}
	return errors.Wrapf(json.Unmarshal(e.Data, out), "unmarshal %s payload failed", e.Type)
}
