package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
)

const defaultDirectoryTimeout = 5 * time.Second

// EventKind tells joins from departures.
type EventKind string

const (
	Joined EventKind = "joined"
	Left   EventKind = "left"
)

// Event is a membership change announced through the directory.
type Event struct {
	Kind EventKind   `json:"kind"`
	Peer lock.PeerID `json:"peer"`
	Addr string      `json:"addr,omitempty"`
}

// Dialer builds the stub used to reach pid at addr.
type Dialer func(pid lock.PeerID, addr string) (lock.Peer, error)

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	Client    *redis.Client
	Namespace string        // Key prefix, "baton" by default
	Timeout   time.Duration // Per-operation timeout (default 5s)
}

// Directory is a Redis-backed peer directory used to bootstrap and follow
// membership. Peers are kept in a hash and changes are announced on a
// pub/sub channel.
type Directory struct {
	client  *redis.Client
	hash    string
	channel string
	timeout time.Duration
}

// NewDirectory returns a Directory using the provided options.
func NewDirectory(opts DirectoryOptions) *Directory {
	if opts.Namespace == "" {
		opts.Namespace = "baton"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDirectoryTimeout
	}
	return &Directory{
		client:  opts.Client,
		hash:    opts.Namespace + ":peers",
		channel: opts.Namespace + ":membership",
		timeout: opts.Timeout,
	}
}

// Announce records pid at addr and tells the other peers it joined.
func (d *Directory) Announce(ctx context.Context, pid lock.PeerID, addr string) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.HSet(cctx, d.hash, strconv.FormatInt(int64(pid), 10), addr).Err(); err != nil {
		return classify(err)
	}
	return d.publish(cctx, Event{Kind: Joined, Peer: pid, Addr: addr})
}

// Withdraw removes pid and tells the other peers it left.
func (d *Directory) Withdraw(ctx context.Context, pid lock.PeerID) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.HDel(cctx, d.hash, strconv.FormatInt(int64(pid), 10)).Err(); err != nil {
		return classify(err)
	}
	return d.publish(cctx, Event{Kind: Left, Peer: pid})
}

// Members returns every announced peer with its address.
func (d *Directory) Members(ctx context.Context) (map[lock.PeerID]string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	raw, err := d.client.HGetAll(cctx, d.hash).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[lock.PeerID]string, len(raw))
	for k, addr := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("baton: malformed peer id %q in directory: %w", k, err)
		}
		out[lock.PeerID(id)] = addr
	}
	return out, nil
}

// Watch streams membership events until ctx is done.
func (d *Directory) Watch(ctx context.Context) (<-chan Event, error) {
	ps := d.client.Subscribe(ctx, d.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify(err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("baton: malformed membership event", "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Bootstrap joins every announced peer other than self into reg and returns
// how many it found. It must run before the custodian is initialized; a
// non-zero count means the cluster is already running and the custodian
// should be built with lock.Joining.
func (d *Directory) Bootstrap(ctx context.Context, reg *Registry, self lock.PeerID, dial Dialer) (int, error) {
	members, err := d.Members(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for pid, addr := range members {
		if pid == self {
			continue
		}
		if err := d.join(reg, pid, addr, dial); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sync applies membership events to reg until ctx is done.
func (d *Directory) Sync(ctx context.Context, reg *Registry, self lock.PeerID, dial Dialer) error {
	events, err := d.Watch(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Peer == self {
			continue
		}
		switch ev.Kind {
		case Joined:
			if err := d.join(reg, ev.Peer, ev.Addr, dial); err != nil {
				slog.Warn("baton: peer join failed", "pid", ev.Peer, "error", err)
			}
		case Left:
			if err := reg.Leave(ev.Peer); err != nil && !errors.Is(err, ErrUnknownPeer) {
				slog.Warn("baton: peer leave failed", "pid", ev.Peer, "error", err)
			}
		}
	}
	return ctx.Err()
}

func (d *Directory) join(reg *Registry, pid lock.PeerID, addr string, dial Dialer) error {
	if _, ok := reg.Peer(pid); ok {
		return nil
	}
	peer, err := dial(pid, addr)
	if err != nil {
		return fmt.Errorf("baton: dial peer %d: %w", pid, err)
	}
	if err := reg.Join(pid, peer); err != nil && !errors.Is(err, ErrPeerExists) {
		return err
	}
	return nil
}

func (d *Directory) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return classify(d.client.Publish(ctx, d.channel, data).Err())
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", baterrors.ErrTimeout, err)
	case errors.Is(err, redis.ErrClosed):
		return baterrors.ErrConnectionClosed
	}
	return err
}
