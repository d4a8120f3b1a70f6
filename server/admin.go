package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"rpsbroker/model"
)

// Administrative HTTP API: inspect the registry and match table, force a
// player off the server, end all matches in flight.

func (s *Server) registerAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/players", s.adminListPlayers).Methods("GET")
	router.HandleFunc("/admin/players/{id}/kill", s.adminKillPlayer).Methods("POST")
	router.HandleFunc("/admin/matches", s.adminListMatches).Methods("GET")
	router.HandleFunc("/admin/matches/end", s.adminEndMatches).Methods("POST")
}

func (s *Server) adminListPlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.ListPlayers())
}

func (s *Server) adminKillPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid player id", http.StatusBadRequest)
		return
	}
	target := s.registry.Lookup(id)
	if target == nil {
		http.Error(w, "no such player", http.StatusNotFound)
		return
	}
	s.logger.Infow("administrative kill", "team", target.TeamName(), "id", id)
	target.Terminate(model.StatusServerDown)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminListMatches(w http.ResponseWriter, r *http.Request) {
	matches := s.table.List()
	snapshots := make([]MatchSnapshot, 0, len(matches))
	for _, m := range matches {
		snapshots = append(snapshots, m.Snapshot())
	}
	writeJSON(w, snapshots)
}

func (s *Server) adminEndMatches(w http.ResponseWriter, r *http.Request) {
	matches := s.table.List()
	for _, m := range matches {
		m.Abort(SideNone, model.StatusMatchEnded)
		s.table.Remove(m)
	}
	s.logger.Infow("administrative end of all matches", "count", len(matches))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
