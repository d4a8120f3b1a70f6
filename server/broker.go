package server

import (
	"rpsbroker/model"
)

// Broker mediates registration and match negotiation between sessions. It
// owns no state of its own beyond the registry and match table it drives.
type Broker struct {
	registry *Registry
	table    *MatchTable
	config   *Config
	stats    *Stats
	logger   *Logger
}

func NewBroker(registry *Registry, table *MatchTable, config *Config, stats *Stats, logger *Logger) *Broker {
	return &Broker{
		registry: registry,
		table:    table,
		config:   config,
		stats:    stats,
		logger:   logger,
	}
}

// Register enters a session into the registry under the given team name and
// makes it available for matches.
func (b *Broker) Register(s *session, teamName string) (int64, model.StatusCode) {
	s.teamName = teamName
	if rc := b.registry.AddPlayer(s); rc != model.StatusOK {
		return 0, rc
	}
	b.registry.ChangeState(s, model.StateAvailable)
	return s.PlayerID(), model.StatusOK
}

// RequestMatch runs the requester side of match negotiation. On OK both
// sessions are bound to the new match and in play; on any failure the
// requester is returned to available with no match bound.
func (b *Broker) RequestMatch(requester *session, targetID int64, maxRounds int) model.StatusCode {
	if maxRounds < 1 || maxRounds > b.config.MatchConfig.MaxRoundsLimit {
		return model.StatusRequestDenied
	}

	if !b.registry.CasState(requester, model.StateAvailable, model.StateRequestInProgress) {
		return model.StatusWrongState
	}

	target := b.registry.Lookup(targetID)
	if target == nil || target == requester {
		b.registry.ChangeState(requester, model.StateAvailable)
		return model.StatusUnrecognizedPlayer
	}

	// A finished match can linger on the session until its next request.
	requester.discardStaleMatch(b.table)

	m := NewMatch(requester, target, maxRounds, b.logger)
	rc := target.OfferMatch(requester.Entry(), m, maxRounds)
	if rc != model.StatusOK {
		b.registry.ChangeState(requester, model.StateAvailable)
		b.logger.Infow("match request refused", "requester", requester.TeamName(), "target", target.TeamName(), "status", rc)
		// The requester only ever learns that the request was denied,
		// whatever the target-side reason was.
		return model.StatusRequestDenied
	}

	requester.bindMatch(m, SideP1)
	b.registry.ChangeState(requester, model.StateMatchInPlay)
	b.table.Add(m)
	b.stats.IncrMatchStarted()
	b.logger.Infow("match started", "match", m.ID().String(), "p1", requester.TeamName(), "p2", target.TeamName(), "maxRounds", maxRounds)
	return model.StatusOK
}
