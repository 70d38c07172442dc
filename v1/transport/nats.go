package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

const defaultNATSTimeout = 2 * time.Second

// NATSOptions configures the NATS transport.
type NATSOptions struct {
	Conn     *nats.Conn
	Prefix   string        // Subject prefix, "baton" by default
	Timeout  time.Duration // Per-attempt request timeout (default 2s)
	Attempts int           // Attempts before a peer is reported unreachable (default 3)
	Backoff  time.Duration // Initial wait between attempts (default 50ms)
	DedupTTL time.Duration // How long answered envelope ids are remembered (default 10m)
}

func (o *NATSOptions) defaults() {
	if o.Prefix == "" {
		o.Prefix = "baton"
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultNATSTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
}

// Address returns the subject or topic a peer listens on.
func Address(prefix string, pid lock.PeerID) string {
	return fmt.Sprintf("%s.peer.%d", prefix, pid)
}

// NATSPeer reaches a remote custodian with NATS request/reply.
type NATSPeer struct {
	opts    NATSOptions
	id      lock.PeerID
	subject string
}

// NewNATSPeer returns the stub for pid.
func NewNATSPeer(opts NATSOptions, pid lock.PeerID) *NATSPeer {
	opts.defaults()
	return &NATSPeer{opts: opts, id: pid, subject: Address(opts.Prefix, pid)}
}

// RequestToken implements lock.Peer.
func (p *NATSPeer) RequestToken(ctx context.Context, time int64, from lock.PeerID) error {
	return p.call(ctx, NewRequest(time, from))
}

// ObtainToken implements lock.Peer.
func (p *NATSPeer) ObtainToken(ctx context.Context, token lock.Token) error {
	return p.call(ctx, NewObtain(token))
}

func (p *NATSPeer) call(ctx context.Context, env Envelope) error {
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(string(env.Op)).Inc()

	var resp *nats.Msg
	err = retry(ctx, p.opts.Attempts, p.opts.Backoff, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		msg, err := p.opts.Conn.RequestWithContext(cctx, p.subject, data)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", baterrors.ErrIndeterminate, ctx.Err())
			}
			return natsFailure(err)
		}
		resp = msg
		return nil
	})
	if err != nil {
		// Stopping between attempts leaves the earlier ones unanswered.
		if ctx.Err() != nil && !errors.Is(err, baterrors.ErrIndeterminate) {
			err = fmt.Errorf("%w: %w", baterrors.ErrIndeterminate, err)
		}
		metrics.MessagesFailed.WithLabelValues(string(env.Op)).Inc()
		return fmt.Errorf("baton: %s to peer %d: %w", env.Op, p.id, err)
	}
	r, err := Unmarshal(resp.Data)
	if err != nil {
		return fmt.Errorf("baton: %s to peer %d: unreadable reply: %w: %w", env.Op, p.id, baterrors.ErrIndeterminate, err)
	}
	if r.Err != "" {
		return &RemoteError{Op: env.Op, Peer: p.id, Msg: r.Err}
	}
	return nil
}

// natsFailure classifies a failed request. Without responders nothing was
// delivered; a timeout says nothing about whether the handler ran.
func natsFailure(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %w", baterrors.ErrUnreachable, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w: %w", baterrors.ErrUnreachable, baterrors.ErrTimeout, baterrors.ErrIndeterminate)
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", baterrors.ErrUnreachable, baterrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", baterrors.ErrUnreachable, err)
}

// NATSServer answers requests addressed to the local custodian.
type NATSServer struct {
	sub   *nats.Subscription
	h     Handler
	dedup *dedup
	wg    sync.WaitGroup
}

// ServeNATS subscribes to the subject of self and dispatches incoming
// envelopes to h. Each message is handled on its own goroutine, since a
// handler may itself call other peers.
func ServeNATS(opts NATSOptions, self lock.PeerID, h Handler) (*NATSServer, error) {
	opts.defaults()
	d, err := newDedup(opts.DedupTTL)
	if err != nil {
		return nil, err
	}
	s := &NATSServer{h: h, dedup: d}
	sub, err := opts.Conn.Subscribe(Address(opts.Prefix, self), func(m *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(m)
		}()
	})
	if err != nil {
		d.close()
		return nil, fmt.Errorf("baton: subscribe: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *NATSServer) handle(m *nats.Msg) {
	var out Envelope
	env, err := Unmarshal(m.Data)
	if err != nil {
		out = reply(Envelope{ID: "invalid"}, err)
	} else {
		out = Envelope{ID: env.ID, Err: s.dedup.do(env.ID, func() error {
			return Dispatch(context.Background(), s.h, env)
		})}
	}
	data, err := Marshal(out)
	if err != nil {
		slog.Warn("baton: encode reply failed", "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		slog.Warn("baton: reply failed", "op", env.Op, "error", err)
	}
}

// Close stops serving and waits for in-flight handlers.
func (s *NATSServer) Close() error {
	err := s.sub.Unsubscribe()
	s.wg.Wait()
	s.dedup.close()
	return err
}
