// Package status exposes custodian snapshots over HTTP: the current status as
// JSON, and a stream of state transitions over Server-Sent Events or
// WebSocket.
package status

import (
	"context"
	"sync"
)

// Feed hands each status snapshot the custodian publishes on a transition
// to the HTTP clients streaming it. It implements lock.Publisher. A custodian
// is never slowed down by its observers: a client that falls behind skips
// snapshots and catches up with the next one.
type Feed struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewFeed returns a Feed with no clients.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string][]chan []byte)}
}

// Publish offers the encoded snapshot to every client streaming key,
// usually lock.StatusKey. Clients with a full buffer are skipped.
func (f *Feed) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch starts a stream of snapshots published under key. The channel holds
// a few pending snapshots and is closed when ctx is done or the stream is
// passed to Unwatch.
func (f *Feed) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 8)
	f.mu.Lock()
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = f.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch ends the snapshot stream ch.
func (f *Feed) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
	} else {
		f.subs[key] = subs
	}
	return nil
}

// Watchers reports how many clients stream snapshots under key.
func (f *Feed) Watchers(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}
