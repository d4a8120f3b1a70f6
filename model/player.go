package model

import "fmt"

// ConnectionState is the lifecycle state of one connected player session.
type ConnectionState string

const (
	StateDisconnected      ConnectionState = "DISCONNECTED"
	StateAvailable         ConnectionState = "AVAILABLE"
	StateRequestInProgress ConnectionState = "REQUEST_IN_PROGRESS"
	StateMatchInPlay       ConnectionState = "MATCH_IN_PLAY"
	StateZombie            ConnectionState = "ZOMBIE"
)

// PlayerEntry is a snapshot of one player's identity and state as seen by
// the registry. The ID is unique and stable for the session's lifetime;
// (TeamName, Origin) pairs are used only for duplicate-session detection.
type PlayerEntry struct {
	TeamName string          `json:"teamName"`
	Origin   string          `json:"origin"`
	ID       int64           `json:"id"`
	State    ConnectionState `json:"state"`
}

func (p PlayerEntry) String() string {
	return fmt.Sprintf("%s@%s %08x %s", p.TeamName, p.Origin, p.ID, p.State)
}

// ListActionKind discriminates player-list change events.
type ListActionKind string

const (
	ListActionAdd    ListActionKind = "ADD"
	ListActionRemove ListActionKind = "REMOVE"
	ListActionChange ListActionKind = "CHANGE"
)

// ListAction is a player-list change event broadcast to registry listeners.
// Delivery is best-effort and out-of-band from the request protocol.
type ListAction struct {
	Kind   ListActionKind `json:"kind"`
	Player PlayerEntry    `json:"player"`
}
