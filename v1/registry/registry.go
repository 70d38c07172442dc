// Package registry keeps the set of peers a custodian talks to. The registry
// owns the guard the custodian shares, and reports every membership change to
// its observers inside the same guarded section.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mirkobrombin/go-baton/v1/lock"
)

var (
	// ErrUnknownPeer is returned when leaving or evicting a peer that is not registered.
	ErrUnknownPeer = errors.New("baton: peer not in registry")
	// ErrPeerExists is returned when joining a peer that is already registered.
	ErrPeerExists = errors.New("baton: peer already in registry")
)

// Observer is told about membership changes while the guard is held.
// *lock.Custodian implements it.
type Observer interface {
	RegisterPeer(pid lock.PeerID) error
	UnregisterPeer(pid lock.PeerID) error
}

// Registry maps peer ids to remote stubs. It implements lock.Membership.
type Registry struct {
	mu        sync.Mutex
	peers     map[lock.PeerID]lock.Peer
	observers []Observer
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[lock.PeerID]lock.Peer)}
}

// Lock acquires the guard shared with the custodian.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the guard shared with the custodian.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Observe adds an observer for future membership changes.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// PeersLocked returns the live peer map. The caller must hold the guard and
// must not modify the map.
func (r *Registry) PeersLocked() map[lock.PeerID]lock.Peer {
	return r.peers
}

// EvictLocked removes pid after a failed call. The caller must hold the guard.
func (r *Registry) EvictLocked(pid lock.PeerID) error {
	return r.removeLocked(pid)
}

// Join adds a peer. If an observer refuses it the membership is left unchanged.
func (r *Registry) Join(pid lock.PeerID, peer lock.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[pid]; ok {
		return fmt.Errorf("%w: %d", ErrPeerExists, pid)
	}
	r.peers[pid] = peer
	for i, o := range r.observers {
		if err := o.RegisterPeer(pid); err != nil {
			for _, prev := range r.observers[:i] {
				_ = prev.UnregisterPeer(pid)
			}
			delete(r.peers, pid)
			return err
		}
	}
	return nil
}

// Leave removes a peer that left the system.
func (r *Registry) Leave(pid lock.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(pid)
}

func (r *Registry) removeLocked(pid lock.PeerID) error {
	if _, ok := r.peers[pid]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, pid)
	}
	delete(r.peers, pid)
	var errs []error
	for _, o := range r.observers {
		if err := o.UnregisterPeer(pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peer returns the stub registered for pid.
func (r *Registry) Peer(pid lock.PeerID) (lock.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[pid]
	return p, ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []lock.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]lock.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
