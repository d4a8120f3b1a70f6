package server

import (
	"math/rand"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"rpsbroker/model"
)

// ListListener receives player-list change events. Delivery is best-effort
// and fire-and-forget: a failing listener is logged and skipped, it never
// blocks registry mutation or delivery to other listeners.
type ListListener interface {
	ListenerID() int64
	NotifyListAction(action model.ListAction) error
}

// Registry is the single authoritative table of live sessions, keyed by
// unique player id. All mutation goes through its serialized entry points;
// registry locking is independent of session and match locking.
type Registry struct {
	sync.RWMutex
	sessions  map[int64]*session
	listeners map[int64]ListListener

	config    *Config
	logger    *Logger
	scheduler gocron.Scheduler
}

func NewRegistry(config *Config, logger *Logger) *Registry {
	return &Registry{
		sessions:  make(map[int64]*session),
		listeners: make(map[int64]ListListener),
		config:    config,
		logger:    logger,
	}
}

// AddPlayer registers a session, assigning its unique player id. A prior
// session with the same (teamName, origin) is sent a redundant-termination
// signal and evicted first. Registration is refused at capacity with no
// partial mutation.
func (r *Registry) AddPlayer(s *session) model.StatusCode {
	r.Lock()

	var dup *session
	for _, cur := range r.sessions {
		if cur.TeamName() == s.TeamName() && cur.Origin() == s.Origin() {
			dup = cur
			break
		}
	}

	size := len(r.sessions)
	if dup != nil {
		size--
	}
	if size >= r.config.RegistryConfig.Capacity {
		r.Unlock()
		r.logger.Warnw("registration refused, registry at capacity", "team", s.TeamName(), "origin", s.Origin())
		return model.StatusServerDown
	}

	if dup != nil {
		delete(r.sessions, dup.PlayerID())
	}

	id := rand.Int63()
	for id == 0 || r.sessions[id] != nil {
		id = rand.Int63()
	}
	s.setPlayerID(id)
	r.sessions[id] = s
	r.Unlock()

	if dup != nil {
		r.logger.Infow("evicting duplicate session", "team", dup.TeamName(), "origin", dup.Origin(), "id", dup.PlayerID())
		r.broadcast(model.ListAction{Kind: model.ListActionRemove, Player: dup.Entry()})
		// Best effort: the old client probably crashed and re-registered.
		go dup.Terminate(model.StatusRedundantPlayer)
	}

	r.logger.Infow("player registered", "team", s.TeamName(), "origin", s.Origin(), "id", id)
	r.broadcast(model.ListAction{Kind: model.ListActionAdd, Player: s.Entry()})
	return model.StatusOK
}

// Lookup returns the session with the given player id, or nil.
func (r *Registry) Lookup(id int64) *session {
	r.RLock()
	defer r.RUnlock()
	return r.sessions[id]
}

// FindByOrigin scans for the sole session with the exact (teamName, origin)
// pair. Used only for duplicate detection, never for routing.
func (r *Registry) FindByOrigin(teamName, origin string) *session {
	r.RLock()
	defer r.RUnlock()
	for _, s := range r.sessions {
		if s.TeamName() == teamName && s.Origin() == origin {
			return s
		}
	}
	return nil
}

// Remove evicts a session by id. Removing an absent session is a no-op.
func (r *Registry) Remove(s *session) {
	r.Lock()
	_, present := r.sessions[s.PlayerID()]
	if present {
		delete(r.sessions, s.PlayerID())
	}
	r.Unlock()

	if present {
		r.logger.Infow("player removed", "team", s.TeamName(), "id", s.PlayerID())
		r.broadcast(model.ListAction{Kind: model.ListActionRemove, Player: s.Entry()})
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// ListPlayers returns an unordered snapshot of all known players. Callers
// apply their own filtering.
func (r *Registry) ListPlayers() []model.PlayerEntry {
	r.RLock()
	defer r.RUnlock()
	list := make([]model.PlayerEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s.Entry())
	}
	return list
}

// ChangeState atomically updates a session's state and broadcasts a CHANGE
// event.
func (r *Registry) ChangeState(s *session, newState model.ConnectionState) {
	s.setState(newState)
	r.broadcast(model.ListAction{Kind: model.ListActionChange, Player: s.Entry()})
}

// CasState transitions a session's state only when it currently equals
// from, broadcasting a CHANGE event on success.
func (r *Registry) CasState(s *session, from, to model.ConnectionState) bool {
	if !s.casState(from, to) {
		return false
	}
	r.broadcast(model.ListAction{Kind: model.ListActionChange, Player: s.Entry()})
	return true
}

func (r *Registry) AddListener(l ListListener) {
	r.Lock()
	r.listeners[l.ListenerID()] = l
	r.Unlock()
}

func (r *Registry) RemoveListener(id int64) {
	r.Lock()
	delete(r.listeners, id)
	r.Unlock()
}

func (r *Registry) broadcast(action model.ListAction) {
	r.RLock()
	ls := make([]ListListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.RUnlock()

	for _, l := range ls {
		l := l
		go func() {
			if err := l.NotifyListAction(action); err != nil {
				r.logger.Warnw("list listener delivery failed", "listener", l.ListenerID(), "error", err)
			}
		}()
	}
}

// StartSweeper schedules the periodic zombie sweep.
func (r *Registry) StartSweeper() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create sweep scheduler failed")
	}
	_, err = sched.NewJob(
		gocron.DurationJob(time.Duration(r.config.RegistryConfig.SweepPeriod)*time.Millisecond),
		gocron.NewTask(r.Sweep),
	)
	if err != nil {
		return errors.Wrap(err, "schedule zombie sweep failed")
	}
	sched.Start()
	r.scheduler = sched
	return nil
}

func (r *Registry) StopSweeper() {
	if r.scheduler != nil {
		if err := r.scheduler.Shutdown(); err != nil {
			r.logger.Warnw("sweep scheduler shutdown failed", "error", err)
		}
	}
}

// Sweep marks every session whose last keepalive is older than the dead
// threshold as ZOMBIE and evicts it, best-effort notifying any in-match
// opponent. This is the only server-initiated session termination besides
// explicit client action or an administrative kill.
func (r *Registry) Sweep() {
	presumedDead := time.Now().Add(-time.Duration(r.config.RegistryConfig.DeadThreshold) * time.Millisecond)

	r.RLock()
	var dead []*session
	for _, s := range r.sessions {
		if s.LastKeepAlive().Before(presumedDead) {
			dead = append(dead, s)
		}
	}
	r.RUnlock()

	for _, s := range dead {
		r.logger.Infow("sweeping zombie session", "team", s.TeamName(), "id", s.PlayerID())
		r.ChangeState(s, model.StateZombie)
		s.Terminate(model.StatusNoConnection)
	}
}
