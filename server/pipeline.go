package server

import (
	"rpsbroker/api"
	"rpsbroker/model"
)

// Pipeline dispatches inbound envelopes to the broker and the session's own
// match operations.
type Pipeline struct {
	broker   *Broker
	registry *Registry
	table    *MatchTable
	stats    *Stats
	logger   *Logger
}

func NewPipeline(broker *Broker, registry *Registry, table *MatchTable, stats *Stats, logger *Logger) *Pipeline {
	return &Pipeline{
		broker:   broker,
		registry: registry,
		table:    table,
		stats:    stats,
		logger:   logger,
	}
}

// handleSocketRequests consumes one inbound envelope. Replies to
// server-initiated calls are resolved inline; everything else runs in its
// own goroutine because a request that blocks on the peer (an invitation, a
// score push) must not stall this session's read loop, the replies to those
// calls arrive on it.
func (p *Pipeline) handleSocketRequests(s *session, env *api.Envelope) bool {

	switch env.Type {
	case api.TypeInvitationReply, api.TypeScoreAck:
		if !s.resolvePending(env) {
			p.logger.Debugw("unmatched reply dropped", "type", env.Type, "cid", env.Cid)
		}
		return true

	case api.TypeKeepAlive:
		// Liveness was already refreshed in the read loop; no response.
		return true
	}

	p.stats.IncrRequest()

	if s.PlayerID() == 0 && env.Type != api.TypeRegister {
		p.respond(s, env.Cid, api.TypeError, api.Error{Code: model.StatusUnrecognizedPlayer, Message: "session is not registered"})
		return true
	}

	switch env.Type {
	case api.TypeRegister:
		// Handled inline: registration never blocks on a peer, and running
		// it on the read loop serializes back-to-back register frames that
		// would otherwise race the not-yet-registered guard above.
		p.register(s, env)
	case api.TypeListPlayers:
		go p.listPlayers(s, env)
	case api.TypeRequestMatch:
		go p.requestMatch(s, env)
	case api.TypeDoGesture:
		go p.doGesture(s, env)
	case api.TypeGetScorecard:
		go p.getScorecard(s, env)
	case api.TypeAbortMatch:
		go p.abortMatch(s, env)
	case api.TypeAddListener:
		p.registry.AddListener(s)
		p.respond(s, env.Cid, api.TypeStatusResponse, api.StatusResponse{Status: model.StatusOK})
	case api.TypeRemoveListener:
		p.registry.RemoveListener(s.PlayerID())
		p.respond(s, env.Cid, api.TypeStatusResponse, api.StatusResponse{Status: model.StatusOK})
	case api.TypeTerminate:
		p.respond(s, env.Cid, api.TypeStatusResponse, api.StatusResponse{Status: model.StatusOK})
		return false
	default:
		p.logger.Warnw("unknown request type, closing session", "type", env.Type, "id", s.ID().String())
		p.respond(s, env.Cid, api.TypeError, api.Error{Code: model.StatusNotImplemented, Message: "unknown request type"})
		return false
	}

	return true
}

func (p *Pipeline) register(s *session, env *api.Envelope) {
	var req api.Register
	if err := env.Decode(&req); err != nil || req.TeamName == "" {
		p.respond(s, env.Cid, api.TypeRegisterResponse, api.RegisterResponse{Status: model.StatusInternalError})
		return
	}
	if s.PlayerID() != 0 {
		p.respond(s, env.Cid, api.TypeRegisterResponse, api.RegisterResponse{Status: model.StatusRedundantPlayer})
		return
	}
	id, rc := p.broker.Register(s, req.TeamName)
	p.respond(s, env.Cid, api.TypeRegisterResponse, api.RegisterResponse{Status: rc, PlayerID: id})
}

func (p *Pipeline) listPlayers(s *session, env *api.Envelope) {
	p.respond(s, env.Cid, api.TypeListPlayersResponse, api.ListPlayersResponse{
		Status:  model.StatusOK,
		Players: p.registry.ListPlayers(),
	})
}

func (p *Pipeline) requestMatch(s *session, env *api.Envelope) {
	var req api.RequestMatch
	if err := env.Decode(&req); err != nil {
		p.respond(s, env.Cid, api.TypeRequestMatchResponse, api.StatusResponse{Status: model.StatusInternalError})
		return
	}
	rc := p.broker.RequestMatch(s, req.TargetID, req.MaxRounds)
	p.respond(s, env.Cid, api.TypeRequestMatchResponse, api.StatusResponse{Status: rc})
}

func (p *Pipeline) doGesture(s *session, env *api.Envelope) {
	var req api.DoGesture
	if err := env.Decode(&req); err != nil {
		p.respond(s, env.Cid, api.TypeDoGestureResponse, api.StatusResponse{Status: model.StatusInternalError})
		return
	}
	rc := s.DoGesture(req.Gesture)
	p.respond(s, env.Cid, api.TypeDoGestureResponse, api.StatusResponse{Status: rc})
}

func (p *Pipeline) getScorecard(s *session, env *api.Envelope) {
	sc := s.GetScorecard()
	p.respond(s, env.Cid, api.TypeScorecardResponse, api.ScorecardResponse{Scorecard: sc})
}

func (p *Pipeline) abortMatch(s *session, env *api.Envelope) {
	var req api.AbortMatch
	if err := env.Decode(&req); err != nil || req.Reason == "" {
		req.Reason = model.StatusMatchEnded
	}
	m, _ := s.currentMatch()
	s.AbortingMatch(req.Reason)
	if m != nil {
		p.table.Remove(m)
	}
	p.respond(s, env.Cid, api.TypeStatusResponse, api.StatusResponse{Status: model.StatusOK})
}

func (p *Pipeline) respond(s *session, cid, msgType string, payload interface{}) {
	env, err := api.NewEnvelope(cid, msgType, payload)
	if err != nil {
		p.logger.Errorw("Could not build response envelope", "type", msgType, "error", err)
		return
	}
	if err := s.Send(false, env); err != nil {
		p.logger.Debugw("Could not deliver response", "type", msgType, "id", s.ID().String())
	}
}
