package transport

import (
	"context"
	"fmt"
	"sync"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

// Loopback is an in-process network. Calls run synchronously on the caller's
// goroutine but still go through the wire codec.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[lock.PeerID]Handler
	down     map[lock.PeerID]bool
}

// NewLoopback returns an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[lock.PeerID]Handler),
		down:     make(map[lock.PeerID]bool),
	}
}

// Attach makes h reachable as pid.
func (l *Loopback) Attach(pid lock.PeerID, h Handler) {
	l.mu.Lock()
	l.handlers[pid] = h
	l.mu.Unlock()
}

// Detach removes pid from the network.
func (l *Loopback) Detach(pid lock.PeerID) {
	l.mu.Lock()
	delete(l.handlers, pid)
	l.mu.Unlock()
}

// Down makes calls to pid fail as if the peer had crashed.
func (l *Loopback) Down(pid lock.PeerID) {
	l.mu.Lock()
	l.down[pid] = true
	l.mu.Unlock()
}

// Up reverts Down.
func (l *Loopback) Up(pid lock.PeerID) {
	l.mu.Lock()
	delete(l.down, pid)
	l.mu.Unlock()
}

// Peer returns the stub for pid.
func (l *Loopback) Peer(pid lock.PeerID) lock.Peer {
	return &loopbackPeer{net: l, id: pid}
}

type loopbackPeer struct {
	net *Loopback
	id  lock.PeerID
}

func (p *loopbackPeer) RequestToken(ctx context.Context, time int64, from lock.PeerID) error {
	return p.net.send(ctx, p.id, NewRequest(time, from))
}

func (p *loopbackPeer) ObtainToken(ctx context.Context, token lock.Token) error {
	return p.net.send(ctx, p.id, NewObtain(token))
}

func (l *Loopback) send(ctx context.Context, to lock.PeerID, env Envelope) error {
	metrics.MessagesSent.WithLabelValues(string(env.Op)).Inc()
	l.mu.RLock()
	h, ok := l.handlers[to]
	down := l.down[to]
	l.mu.RUnlock()
	if !ok || down {
		metrics.MessagesFailed.WithLabelValues(string(env.Op)).Inc()
		return fmt.Errorf("%w: peer %d", baterrors.ErrUnreachable, to)
	}
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	in, err := Unmarshal(data)
	if err != nil {
		return err
	}
	if err := Dispatch(ctx, h, in); err != nil {
		return &RemoteError{Op: env.Op, Peer: to, Msg: err.Error()}
	}
	return nil
}
