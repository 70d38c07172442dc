package lock

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
)

// handoff is a token on its way to another peer. While it exists the local
// state is NoToken and the custodian owns nothing.
type handoff struct {
	to    PeerID
	peer  Peer
	token Token
}

// nextLocked picks where the idle token should go, if anywhere. A local
// client waiting in Acquire keeps it: its request was already counted as
// served when the token was sent here.
func (c *Custodian) nextLocked() *handoff {
	if c.state != TokenPresent {
		return nil
	}
	if c.destroyed {
		if h := c.scanLocked(); h != nil {
			return h
		}
		return c.forceLocked()
	}
	if c.waiters > 0 {
		return nil
	}
	return c.scanLocked()
}

// scanLocked looks for a peer with an unserved request: ids above ours in
// ascending order, then ids below ours in ascending order.
func (c *Custodian) scanLocked() *handoff {
	self := c.owner.ID()
	peers := c.members.PeersLocked()
	ids := sortedIDs(peers)
	for _, above := range []bool{true, false} {
		for _, pid := range ids {
			if (pid > self) != above || pid == self {
				continue
			}
			if c.request[pid] > c.token[pid] {
				return c.handOverLocked(pid, peers[pid])
			}
		}
	}
	return nil
}

// forceLocked gives the token to the remaining peer with the lowest id.
func (c *Custodian) forceLocked() *handoff {
	peers := c.members.PeersLocked()
	ids := sortedIDs(peers)
	if len(ids) == 0 {
		return nil
	}
	return c.handOverLocked(ids[0], peers[ids[0]])
}

func (c *Custodian) handOverLocked(pid PeerID, peer Peer) *handoff {
	c.token[c.owner.ID()] = c.time
	h := &handoff{to: pid, peer: peer, token: c.token}
	c.token = nil
	c.state = NoToken
	return h
}

// deliver sends h, if any, with the guard released. The token comes back
// only when the send provably did not land: an unreachable target is evicted
// and the next candidate tried, a refusing target leaves the token here and
// the refusal is returned. When the outcome is unknown the token is
// considered gone.
func (c *Custodian) deliver(ctx context.Context, h *handoff) error {
	// A sent token cannot be recalled because the caller stopped waiting.
	ctx = context.WithoutCancel(ctx)
	for h != nil {
		cctx, span := c.startSpan(ctx, "Peer.ObtainToken", attribute.Int64("baton.peer", int64(h.to)))
		err := h.peer.ObtainToken(cctx, h.token)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			if c.metrics != nil {
				c.metrics.Handoffs.Inc()
			}
			c.logger.Debug("baton: token handed over", "peer", c.owner.ID(), "to", h.to)
			return nil
		}
		if indeterminate(err) {
			c.logger.Warn("baton: token handoff outcome unknown", "peer", c.owner.ID(), "to", h.to, "error", err)
			return fmt.Errorf("%w: peer %d: %w", ErrHandoffUnknown, h.to, err)
		}

		unreachable := errors.Is(err, baterrors.ErrUnreachable)
		c.members.Lock()
		if unreachable {
			c.evictLocked(h.to, "obtain_token", err)
		}
		c.token = c.reconcileLocked(h.token)
		c.state = TokenPresent
		c.cond.Broadcast()
		to := h.to
		h = nil
		if unreachable {
			h = c.nextLocked()
		}
		c.transitionLocked()
		c.members.Unlock()

		if !unreachable {
			c.logger.Warn("baton: token handoff rejected", "peer", c.owner.ID(), "to", to, "error", err)
			return fmt.Errorf("baton: handoff to peer %d rejected: %w", to, err)
		}
	}
	return nil
}

// forward delivers h in the background, so an inbound call is answered
// before the token moves on and a slow next hop cannot time the caller out.
func (c *Custodian) forward(h *handoff) {
	if h == nil {
		return
	}
	c.forwards.Add(1)
	go func() {
		defer c.forwards.Done()
		if err := c.deliver(context.Background(), h); err != nil {
			c.logger.Warn("baton: token forward failed", "peer", c.owner.ID(), "error", err)
		}
	}()
}

func indeterminate(err error) bool {
	return errors.Is(err, baterrors.ErrIndeterminate) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// reconcileLocked aligns a token with the current membership. Membership may
// have changed while the token was travelling: departed peers are dropped
// and peers that joined meanwhile start at zero.
func (c *Custodian) reconcileLocked(t Token) Token {
	if t == nil {
		t = make(Token)
	}
	self := c.owner.ID()
	peers := c.members.PeersLocked()
	for pid := range t {
		if pid == self {
			continue
		}
		if _, ok := peers[pid]; !ok {
			delete(t, pid)
		}
	}
	for pid := range peers {
		if _, ok := t[pid]; !ok {
			t[pid] = 0
		}
	}
	if _, ok := t[self]; !ok {
		t[self] = 0
	}
	return t
}
