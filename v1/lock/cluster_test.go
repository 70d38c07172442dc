package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/registry"
	"github.com/mirkobrombin/go-baton/v1/transport"
)

type node struct {
	reg *registry.Registry
	c   *lock.Custodian
}

// newCluster wires one custodian per id over a loopback network and
// initializes them all.
func newCluster(t *testing.T, ids ...lock.PeerID) (*transport.Loopback, map[lock.PeerID]*node) {
	t.Helper()
	net := transport.NewLoopback()
	nodes := make(map[lock.PeerID]*node, len(ids))
	for _, id := range ids {
		nodes[id] = addNode(t, net, id, ids)
	}
	for _, id := range ids {
		if err := nodes[id].c.Initialize(); err != nil {
			t.Fatalf("initialize %d: %v", id, err)
		}
	}
	return net, nodes
}

func addNode(t *testing.T, net *transport.Loopback, id lock.PeerID, members []lock.PeerID, opts ...lock.Option) *node {
	t.Helper()
	reg := registry.New()
	for _, other := range members {
		if other == id {
			continue
		}
		if err := reg.Join(other, net.Peer(other)); err != nil {
			t.Fatalf("join %d at %d: %v", other, id, err)
		}
	}
	c := lock.New(lock.Self(id), reg, opts...)
	reg.Observe(c)
	net.Attach(id, c)
	return &node{reg: reg, c: c}
}

func custodians(nodes map[lock.PeerID]*node) []lock.PeerID {
	var out []lock.PeerID
	for id, n := range nodes {
		if n.c.State() != lock.NoToken {
			out = append(out, id)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestThreePeerScenario(t *testing.T) {
	_, nodes := newCluster(t, 1, 2, 3)
	if got := custodians(nodes); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected peer 1 as initial custodian, got %v", got)
	}
	if st := nodes[1].c.Status(); st.State != lock.TokenPresent {
		t.Fatalf("expected TOKEN_PRESENT at peer 1, got %v", st.State)
	}

	if err := nodes[3].c.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st := nodes[3].c.Status()
	if st.State != lock.TokenHeld {
		t.Fatalf("expected TOKEN_HELD at peer 3, got %v", st.State)
	}
	if st.Time != 1 || st.Token[1] != 0 || st.Token[2] != 0 || st.Token[3] != 0 {
		t.Fatalf("unexpected status at peer 3: %+v", st)
	}
	if nodes[1].c.State() != lock.NoToken {
		t.Fatalf("peer 1 must have handed the token over")
	}
	if got := nodes[1].c.Status().Request[3]; got != 1 {
		t.Fatalf("peer 1 must have recorded request 1 from peer 3, got %d", got)
	}
	if err := nodes[3].c.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := custodians(nodes); len(got) != 1 || got[0] != 3 {
		t.Fatalf("token must stay idle at peer 3, got %v", got)
	}
}

func TestHandoffStampsReleaserTime(t *testing.T) {
	_, nodes := newCluster(t, 1, 2, 3)
	ctx := context.Background()
	if err := nodes[2].c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if err := nodes[2].c.Release(ctx); err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if err := nodes[1].c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	st := nodes[1].c.Status()
	if st.Token[2] != 1 {
		t.Fatalf("expected token[2]=1 after peer 2 used it, got %v", st.Token)
	}
}

func TestDeadPeerTolerance(t *testing.T) {
	net, nodes := newCluster(t, 1, 2, 3)
	ctx := context.Background()
	if err := nodes[1].c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	net.Down(3)

	done := make(chan error, 1)
	go func() { done <- nodes[2].c.Acquire(ctx) }()

	waitFor(t, "request from peer 2 at peer 1", func() bool {
		return nodes[1].c.Status().Request[2] == 1
	})
	waitFor(t, "eviction of peer 3 at peer 2", func() bool {
		_, ok := nodes[2].reg.Peer(3)
		return !ok
	})
	if err := nodes[1].c.Release(ctx); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire 2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peer 2 never got the token")
	}
	st := nodes[2].c.Status()
	if _, ok := st.Request[3]; ok {
		t.Fatalf("peer 3 must be gone from the request vector, got %v", st.Request)
	}
	if _, ok := st.Token[3]; ok {
		t.Fatalf("peer 3 must be gone from the token, got %v", st.Token)
	}
}

func TestDepartingCustodianHandsOver(t *testing.T) {
	net, nodes := newCluster(t, 1, 2, 3)
	ctx := context.Background()
	if err := nodes[1].c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := nodes[1].c.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	net.Detach(1)
	for _, id := range []lock.PeerID{2, 3} {
		if err := nodes[id].reg.Leave(1); err != nil {
			t.Fatalf("leave at %d: %v", id, err)
		}
	}
	delete(nodes, 1)
	if got := custodians(nodes); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected peer 2 to inherit the token, got %v", got)
	}
	if _, ok := nodes[2].c.Status().Token[1]; ok {
		t.Fatal("departed peer must leave the token")
	}
	if err := nodes[3].c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 3: %v", err)
	}
	if nodes[3].c.State() != lock.TokenHeld {
		t.Fatalf("expected TOKEN_HELD at peer 3")
	}
}

func TestLateJoiner(t *testing.T) {
	net, nodes := newCluster(t, 1, 2, 3)
	ctx := context.Background()

	n4 := addNode(t, net, 4, []lock.PeerID{1, 2, 3, 4})
	for id, n := range nodes {
		if err := n.reg.Join(4, net.Peer(4)); err != nil {
			t.Fatalf("join 4 at %d: %v", id, err)
		}
	}
	if err := n4.c.Initialize(); err != nil {
		t.Fatalf("initialize 4: %v", err)
	}
	nodes[4] = n4
	if got := custodians(nodes); len(got) != 1 {
		t.Fatalf("expected a single custodian, got %v", got)
	}
	if err := n4.c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 4: %v", err)
	}
	if err := n4.c.Release(ctx); err != nil {
		t.Fatalf("release 4: %v", err)
	}
	if got := custodians(nodes); len(got) != 1 || got[0] != 4 {
		t.Fatalf("expected the token idle at peer 4, got %v", got)
	}
}

// refuser is a peer that never accepts the token.
type refuser struct {
	offered int32
}

func (r *refuser) RequestToken(ctx context.Context, time int64, from lock.PeerID) error {
	return nil
}

func (r *refuser) ObtainToken(ctx context.Context, token lock.Token) error {
	atomic.AddInt32(&r.offered, 1)
	return lock.ErrDuplicateToken
}

func TestRefusedForwardKeepsSingleToken(t *testing.T) {
	net := transport.NewLoopback()
	nodes := map[lock.PeerID]*node{}
	for _, id := range []lock.PeerID{1, 2} {
		nodes[id] = addNode(t, net, id, []lock.PeerID{1, 2, 3})
	}
	r := &refuser{}
	net.Attach(3, r)
	for _, id := range []lock.PeerID{1, 2} {
		if err := nodes[id].c.Initialize(); err != nil {
			t.Fatalf("initialize %d: %v", id, err)
		}
	}
	ctx := context.Background()

	// Only peer 2 knows that peer 3 wants the token.
	if err := nodes[2].c.RequestToken(ctx, 1, 3); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := nodes[1].c.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitFor(t, "peer 3 to refuse the token", func() bool {
		return atomic.LoadInt32(&r.offered) == 1
	})
	waitFor(t, "the token back at peer 2", func() bool {
		return nodes[2].c.State() == lock.TokenPresent
	})
	if got := custodians(nodes); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected peer 2 as the only custodian, got %v", got)
	}
}

func TestRejoiningLowestIDWaitsForToken(t *testing.T) {
	net, nodes := newCluster(t, 1, 2, 3)
	ctx := context.Background()
	if err := nodes[1].c.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	net.Detach(1)
	for _, id := range []lock.PeerID{2, 3} {
		if err := nodes[id].reg.Leave(1); err != nil {
			t.Fatalf("leave at %d: %v", id, err)
		}
	}

	// Peer 1 restarts into the running cluster.
	n1 := addNode(t, net, 1, []lock.PeerID{1, 2, 3}, lock.Joining())
	for _, id := range []lock.PeerID{2, 3} {
		if err := nodes[id].reg.Join(1, net.Peer(1)); err != nil {
			t.Fatalf("join 1 at %d: %v", id, err)
		}
	}
	if err := n1.c.Initialize(); err != nil {
		t.Fatalf("initialize 1: %v", err)
	}
	nodes[1] = n1
	if got := custodians(nodes); len(got) != 1 || got[0] != 2 {
		t.Fatalf("a rejoining peer must not mint a token, got custodians %v", got)
	}
	if err := n1.c.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if got := custodians(nodes); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected peer 1 to hold the only token, got %v", got)
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	ids := []lock.PeerID{1, 2, 3, 4}
	_, nodes := newCluster(t, ids...)
	ctx := context.Background()

	const rounds = 20
	var inside, peak, total int32
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		c := nodes[id].c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := c.Acquire(ctx); err != nil {
					errs <- err
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&peak)
					if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
						break
					}
				}
				atomic.AddInt32(&total, 1)
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&inside, -1)
				if err := c.Release(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("contention run did not finish")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("protocol error: %v", err)
	}
	if peak != 1 {
		t.Fatalf("expected at most one peer inside, saw %d", peak)
	}
	if total != int32(rounds*len(ids)) {
		t.Fatalf("expected %d critical sections, got %d", rounds*len(ids), total)
	}
	// The last release may still be forwarding the token.
	waitFor(t, "a single custodian", func() bool {
		return len(custodians(nodes)) == 1
	})
}
