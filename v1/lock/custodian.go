package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-baton/v1/lock")

var (
	// ErrNotInitialized is returned when the custodian is used before Initialize.
	ErrNotInitialized = errors.New("baton: custodian not initialized")
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("baton: custodian already initialized")
	// ErrDestroyed is returned by Acquire once Destroy has run.
	ErrDestroyed = errors.New("baton: custodian destroyed")
	// ErrNotCustodian is returned by Release when the token is not here.
	ErrNotCustodian = errors.New("baton: token not held")
	// ErrUnknownPeer is returned for peer ids missing from the request vector.
	ErrUnknownPeer = errors.New("baton: unknown peer")
	// ErrPeerExists is returned when registering an id that is already known.
	ErrPeerExists = errors.New("baton: peer already registered")
	// ErrDuplicateToken is returned when a token arrives at a custodian that
	// already has one.
	ErrDuplicateToken = errors.New("baton: token received while already custodian")
	// ErrHandoffUnknown is returned when a hand-off may or may not have
	// reached its target. The token is no longer here either way.
	ErrHandoffUnknown = errors.New("baton: token handoff outcome unknown")
)

// StatusKey is the key status snapshots are published under.
const StatusKey = "status"

const defaultFanout = 8

// Custodian holds one peer's share of the distributed lock.
//
// All fields below members are guarded by members.
type Custodian struct {
	owner   Owner
	members Membership
	cond    *sync.Cond

	state       State
	token       Token
	request     map[PeerID]int64
	time        int64
	waiters     int
	initialized bool
	destroyed   bool
	joining     bool

	forwards sync.WaitGroup

	logger       *slog.Logger
	metrics      *metrics.Protocol
	feed         Publisher
	fanout       int
	traceEnabled bool
}

// Option configures a Custodian.
type Option func(*Custodian)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Custodian) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Custodian) {
		c.metrics = metrics.NewProtocol(reg)
	}
}

// WithTracing enables OpenTelemetry spans around protocol operations.
func WithTracing() Option {
	return func(c *Custodian) {
		c.traceEnabled = true
	}
}

// WithFeed publishes a JSON Status under StatusKey on every state transition.
func WithFeed(p Publisher) Option {
	return func(c *Custodian) {
		c.feed = p
	}
}

// WithFanout bounds how many token requests are in flight at once while
// broadcasting. A non-positive value removes the bound.
func WithFanout(n int) Option {
	return func(c *Custodian) {
		if n <= 0 {
			n = -1
		}
		c.fanout = n
	}
}

// Joining makes Initialize start without the token whatever the local id.
// Use it for a peer entering a cluster that is already running, where the
// token exists elsewhere.
func Joining() Option {
	return func(c *Custodian) {
		c.joining = true
	}
}

// New returns a custodian for owner sharing the guard of members. The
// registry must report membership changes to the custodian through
// RegisterPeer and UnregisterPeer.
func New(owner Owner, members Membership, opts ...Option) *Custodian {
	c := &Custodian{
		owner:   owner,
		members: members,
		cond:    sync.NewCond(members),
		logger:  slog.Default(),
		fanout:  defaultFanout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize sets up the token and the request vector from the current
// membership, which must already hold the starting peer set. The peer with
// the smallest identifier becomes the initial custodian, unless the
// custodian was built with Joining.
func (c *Custodian) Initialize() error {
	c.members.Lock()
	defer c.members.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	self := c.owner.ID()
	peers := c.members.PeersLocked()
	ids := sortedIDs(peers)

	c.request = make(map[PeerID]int64, len(ids)+1)
	c.request[self] = 0
	for _, pid := range ids {
		c.request[pid] = 0
	}
	if !c.joining && (len(ids) == 0 || ids[0] >= self) {
		c.state = TokenPresent
		c.token = make(Token, len(ids)+1)
		for pid := range c.request {
			c.token[pid] = 0
		}
	} else {
		c.state = NoToken
		c.token = nil
	}
	c.initialized = true
	c.logger.Info("baton: custodian initialized", "peer", self, "state", c.state, "peers", len(ids), "joining", c.joining)
	c.transitionLocked()
	return nil
}

// Acquire blocks until the local client holds the token. When the token is
// elsewhere it broadcasts a request to every peer and waits for it to arrive.
//
// ctx bounds the outgoing requests only. The wait itself has no deadline: if
// the token is lost with its holder, Acquire never returns.
func (c *Custodian) Acquire(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Custodian.Acquire")
	defer span.End()

	start := time.Now()
	c.members.Lock()
	if err := c.usableLocked(); err != nil {
		c.members.Unlock()
		return err
	}
	if c.state == NoToken {
		c.time++
		t := c.time
		c.waiters++
		targets := c.targetsLocked()
		c.members.Unlock()

		span.SetAttributes(attribute.Int64("baton.time", t), attribute.Int("baton.peers", len(targets)))
		c.logger.Debug("baton: requesting token", "peer", c.owner.ID(), "time", t, "peers", len(targets))
		c.broadcast(ctx, t, targets)

		c.members.Lock()
		for c.state == NoToken {
			c.cond.Wait()
		}
		c.waiters--
	}
	c.state = TokenHeld
	c.transitionLocked()
	c.members.Unlock()

	if c.metrics != nil {
		c.metrics.Acquisitions.Inc()
		c.metrics.AcquireWait.Observe(time.Since(start).Seconds())
	}
	c.logger.Debug("baton: token held", "peer", c.owner.ID())
	return nil
}

// Release leaves the critical section. The token goes to the first peer with
// an unserved request, looking at higher ids first and lower ids second;
// otherwise it stays here, idle.
func (c *Custodian) Release(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Custodian.Release")
	defer span.End()

	c.members.Lock()
	if !c.initialized {
		c.members.Unlock()
		return ErrNotInitialized
	}
	if c.state == NoToken {
		c.members.Unlock()
		return ErrNotCustodian
	}
	c.state = TokenPresent
	h := c.nextLocked()
	c.transitionLocked()
	c.members.Unlock()

	if c.metrics != nil {
		c.metrics.Releases.Inc()
	}
	c.logger.Debug("baton: released", "peer", c.owner.ID())
	return c.deliver(ctx, h)
}

// RequestToken records a request stamped time by from. An idle custodian
// forwards the token when the request makes a peer eligible; the forward
// runs after the call returns.
func (c *Custodian) RequestToken(ctx context.Context, time int64, from PeerID) error {
	c.members.Lock()
	if !c.initialized {
		c.members.Unlock()
		return ErrNotInitialized
	}
	seen, ok := c.request[from]
	if !ok {
		c.members.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPeer, from)
	}
	if time > seen {
		c.request[from] = time
	}
	var h *handoff
	if c.state == TokenPresent {
		h = c.nextLocked()
		if h != nil {
			c.transitionLocked()
		}
	}
	c.members.Unlock()

	if c.metrics != nil {
		c.metrics.Requests.Inc()
	}
	c.logger.Debug("baton: token requested", "peer", c.owner.ID(), "from", from, "time", time)
	c.forward(h)
	return nil
}

// ObtainToken adopts a token handed over by another peer and wakes a local
// client waiting in Acquire. With nobody waiting, the token moves on to the
// next eligible peer, if any, after the call returns. Once the token is
// adopted the call succeeds: what happens to the onward hand-off is this
// custodian's business, not the sender's.
func (c *Custodian) ObtainToken(ctx context.Context, token Token) error {
	c.members.Lock()
	if !c.initialized {
		c.members.Unlock()
		return ErrNotInitialized
	}
	if c.state != NoToken {
		c.members.Unlock()
		return ErrDuplicateToken
	}
	c.token = c.reconcileLocked(token.Clone())
	c.state = TokenPresent
	c.cond.Broadcast()
	h := c.nextLocked()
	c.transitionLocked()
	c.members.Unlock()

	if c.metrics != nil {
		c.metrics.Tokens.Inc()
	}
	c.logger.Debug("baton: token received", "peer", c.owner.ID())
	c.forward(h)
	return nil
}

// RegisterPeer adds pid to the request vector, and to the token when it is
// here. The registry calls it with the guard held, inside the same guarded
// section that adds pid to the membership.
func (c *Custodian) RegisterPeer(pid PeerID) error {
	if !c.initialized {
		return nil
	}
	if _, ok := c.request[pid]; ok {
		return fmt.Errorf("%w: %d", ErrPeerExists, pid)
	}
	c.request[pid] = 0
	if c.state != NoToken {
		c.token[pid] = 0
	}
	c.logger.Debug("baton: peer registered", "peer", c.owner.ID(), "pid", pid)
	return nil
}

// UnregisterPeer drops pid from the request vector and the token. The
// registry calls it with the guard held, inside the same guarded section that
// removes pid from the membership.
func (c *Custodian) UnregisterPeer(pid PeerID) error {
	if !c.initialized {
		return nil
	}
	if _, ok := c.request[pid]; !ok || pid == c.owner.ID() {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, pid)
	}
	delete(c.request, pid)
	if c.token != nil {
		delete(c.token, pid)
	}
	c.logger.Debug("baton: peer unregistered", "peer", c.owner.ID(), "pid", pid)
	return nil
}

// Destroy hands the token over before the peer goes away. Pending requests
// are served first; without any, the token goes to the remaining peer with
// the lowest id. With no peers left the token is dropped with the process.
func (c *Custodian) Destroy(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Custodian.Destroy")
	defer span.End()

	// A forward that comes back refused must find the custodian still live.
	c.forwards.Wait()
	c.members.Lock()
	if !c.initialized {
		c.members.Unlock()
		return ErrNotInitialized
	}
	if c.destroyed {
		c.members.Unlock()
		return nil
	}
	c.destroyed = true
	var h *handoff
	if c.state != NoToken && len(c.members.PeersLocked()) > 0 {
		c.state = TokenPresent
		h = c.nextLocked()
		c.transitionLocked()
	}
	c.members.Unlock()

	c.logger.Info("baton: custodian destroyed", "peer", c.owner.ID(), "handoff", h != nil)
	return c.deliver(ctx, h)
}

// Status returns a snapshot of the custodian.
func (c *Custodian) Status() Status {
	c.members.Lock()
	defer c.members.Unlock()
	return c.statusLocked()
}

// DisplayStatus logs the current snapshot.
func (c *Custodian) DisplayStatus() {
	st := c.Status()
	c.logger.Info("baton: status",
		"peer", st.Self,
		"no_token", st.State == NoToken,
		"token_present", st.State == TokenPresent,
		"token_held", st.State == TokenHeld,
		"request", st.Request,
		"token", st.Token,
		"time", st.Time,
	)
}

// State returns the current state.
func (c *Custodian) State() State {
	c.members.Lock()
	defer c.members.Unlock()
	return c.state
}

// Time returns the logical clock.
func (c *Custodian) Time() int64 {
	c.members.Lock()
	defer c.members.Unlock()
	return c.time
}

func (c *Custodian) usableLocked() error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.destroyed {
		return ErrDestroyed
	}
	return nil
}

func (c *Custodian) statusLocked() Status {
	st := Status{
		Self:    c.owner.ID(),
		State:   c.state,
		Time:    c.time,
		Request: make(map[PeerID]int64, len(c.request)),
		Token:   c.token.Clone(),
		Peers:   sortedIDs(c.members.PeersLocked()),
	}
	for k, v := range c.request {
		st.Request[k] = v
	}
	return st
}

func (c *Custodian) transitionLocked() {
	if c.metrics != nil {
		c.metrics.State.Set(float64(c.state))
	}
	if c.feed == nil {
		return
	}
	data, err := json.Marshal(c.statusLocked())
	if err != nil {
		c.logger.Warn("baton: status encode failed", "error", err)
		return
	}
	if err := c.feed.Publish(context.Background(), StatusKey, data); err != nil {
		c.logger.Warn("baton: status publish failed", "error", err)
	}
}

type target struct {
	id   PeerID
	peer Peer
}

func (c *Custodian) targetsLocked() []target {
	peers := c.members.PeersLocked()
	ids := sortedIDs(peers)
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		out = append(out, target{id: id, peer: peers[id]})
	}
	return out
}

// broadcast sends the request to every target. Unreachable peers are evicted
// and the remaining ones are still asked.
func (c *Custodian) broadcast(ctx context.Context, t int64, targets []target) {
	self := c.owner.ID()
	var g errgroup.Group
	g.SetLimit(c.fanout)
	for _, tg := range targets {
		tg := tg
		g.Go(func() error {
			cctx, span := c.startSpan(ctx, "Peer.RequestToken", attribute.Int64("baton.peer", int64(tg.id)))
			defer span.End()
			if err := tg.peer.RequestToken(cctx, t, self); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				c.callFailed(tg.id, "request_token", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// callFailed evicts pid when err says it is unreachable. Other errors come
// from the remote custodian itself and are only logged.
func (c *Custodian) callFailed(pid PeerID, op string, err error) {
	if !errors.Is(err, baterrors.ErrUnreachable) {
		c.logger.Warn("baton: remote call rejected", "peer", c.owner.ID(), "pid", pid, "op", op, "error", err)
		return
	}
	c.members.Lock()
	c.evictLocked(pid, op, err)
	c.members.Unlock()
}

func (c *Custodian) evictLocked(pid PeerID, op string, cause error) {
	if err := c.members.EvictLocked(pid); err != nil {
		// Already gone, usually evicted by a concurrent call.
		c.logger.Debug("baton: eviction skipped", "peer", c.owner.ID(), "pid", pid, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.Evictions.Inc()
	}
	c.logger.Warn("baton: peer evicted", "peer", c.owner.ID(), "pid", pid, "op", op, "error", cause)
}

func (c *Custodian) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, noop.Span{}
	}
	attrs = append(attrs, attribute.Int64("baton.self", int64(c.owner.ID())))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
