package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PeerID identifies a peer. Identifiers are unique and totally ordered.
type PeerID int64

// State is the custodian's view of the token.
type State int

const (
	// NoToken means the token is somewhere else.
	NoToken State = iota
	// TokenPresent means the token is here but nobody is using it.
	TokenPresent
	// TokenHeld means the local client is inside the critical section.
	TokenHeld
)

func (s State) String() string {
	switch s {
	case NoToken:
		return "NO_TOKEN"
	case TokenPresent:
		return "TOKEN_PRESENT"
	case TokenHeld:
		return "TOKEN_HELD"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NO_TOKEN":
		*s = NoToken
	case "TOKEN_PRESENT":
		*s = TokenPresent
	case "TOKEN_HELD":
		*s = TokenHeld
	default:
		return fmt.Errorf("baton: unknown state %q", b)
	}
	return nil
}

// Token records, for every peer, the logical time at which that peer last
// finished a critical section.
type Token map[PeerID]int64

// Clone returns a copy of t.
func (t Token) Clone() Token {
	if t == nil {
		return nil
	}
	c := make(Token, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Owner is the identity of the local peer.
type Owner interface {
	ID() PeerID
}

// Self is an Owner with a fixed identifier.
type Self PeerID

// ID implements Owner.
func (s Self) ID() PeerID { return PeerID(s) }

// Peer is the remote stub of another custodian.
type Peer interface {
	RequestToken(ctx context.Context, time int64, from PeerID) error
	ObtainToken(ctx context.Context, token Token) error
}

// Membership is the peer registry a custodian shares its guard with.
//
// PeersLocked and EvictLocked must only be called with the guard held.
// EvictLocked removes a peer from the registry and, inside the same guarded
// section, calls UnregisterPeer on the custodian observing it.
type Membership interface {
	sync.Locker
	PeersLocked() map[PeerID]Peer
	EvictLocked(pid PeerID) error
}

// Publisher receives status snapshots on every state transition. Publish is
// called with the guard held and must not block.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte) error
}

// Status is a read-only snapshot of a custodian.
type Status struct {
	Self    PeerID           `json:"self"`
	State   State            `json:"state"`
	Time    int64            `json:"time"`
	Request map[PeerID]int64 `json:"request"`
	Token   Token            `json:"token,omitempty"`
	Peers   []PeerID         `json:"peers"`
}

func sortedIDs[V any](m map[PeerID]V) []PeerID {
	ids := make([]PeerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
