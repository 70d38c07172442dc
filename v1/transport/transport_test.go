package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	baterrors "github.com/mirkobrombin/go-baton/v1/errors"
	"github.com/mirkobrombin/go-baton/v1/lock"
)

type call struct {
	op    Op
	time  int64
	from  lock.PeerID
	token lock.Token
}

// recorder is a Handler remembering every call it serves.
type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recorder) RequestToken(ctx context.Context, time int64, from lock.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: OpRequestToken, time: time, from: from})
	return r.err
}

func (r *recorder) ObtainToken(ctx context.Context, token lock.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: OpObtainToken, token: token})
	return r.err
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func waitCalls(t *testing.T, r *recorder, n int) []call {
	t.Helper()
	for i := 0; i < 200; i++ {
		if calls := r.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d calls, got %d", n, len(r.snapshot()))
	return nil
}

func TestTokenTravelsAsSortedPairs(t *testing.T) {
	env := NewObtain(lock.Token{3: 0, 1: 1, 2: 0})
	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	in, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []Pair{{1, 1}, {2, 0}, {3, 0}}
	if len(in.Token) != len(want) {
		t.Fatalf("expected %v got %v", want, in.Token)
	}
	for i := range want {
		if in.Token[i] != want[i] {
			t.Fatalf("expected %v got %v", want, in.Token)
		}
	}
	tok, err := DecodeToken(in.Token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok[1] != 1 || len(tok) != 3 {
		t.Fatalf("unexpected token %v", tok)
	}
}

func TestDecodeTokenRejectsDuplicates(t *testing.T) {
	if _, err := DecodeToken([]Pair{{1, 0}, {1, 2}}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnmarshalRequiresID(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"op":"request_token"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Unmarshal([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	err := Dispatch(context.Background(), &recorder{}, Envelope{ID: "x", Op: "steal_token"})
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestLoopbackDelivers(t *testing.T) {
	net := NewLoopback()
	rec := &recorder{}
	net.Attach(2, rec)

	p := net.Peer(2)
	if err := p.RequestToken(context.Background(), 5, 1); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := p.ObtainToken(context.Background(), lock.Token{1: 1, 2: 0}); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].time != 5 || calls[0].from != 1 {
		t.Fatalf("unexpected request %+v", calls[0])
	}
	if calls[1].token[1] != 1 {
		t.Fatalf("unexpected token %v", calls[1].token)
	}
}

func TestLoopbackDownIsUnreachable(t *testing.T) {
	net := NewLoopback()
	net.Attach(2, &recorder{})
	net.Down(2)
	err := net.Peer(2).RequestToken(context.Background(), 1, 1)
	if !errors.Is(err, baterrors.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	net.Up(2)
	if err := net.Peer(2).RequestToken(context.Background(), 1, 1); err != nil {
		t.Fatalf("request after up: %v", err)
	}
	if err := net.Peer(3).RequestToken(context.Background(), 1, 1); !errors.Is(err, baterrors.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for unknown peer, got %v", err)
	}
}

func TestLoopbackRemoteError(t *testing.T) {
	net := NewLoopback()
	net.Attach(2, &recorder{err: errors.New("boom")})
	err := net.Peer(2).ObtainToken(context.Background(), lock.Token{1: 0})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if re.Peer != 2 || re.Op != OpObtainToken || re.Msg != "boom" {
		t.Fatalf("unexpected remote error %+v", re)
	}
	if errors.Is(err, baterrors.ErrUnreachable) {
		t.Fatal("remote error must not look unreachable")
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected one call returning boom, got %d calls and %v", calls, err)
	}
}

func TestRetryUnreachable(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return baterrors.ErrUnreachable
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %d calls and %v", calls, err)
	}

	calls = 0
	err = retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return baterrors.ErrUnreachable
	})
	if !errors.Is(err, baterrors.ErrUnreachable) || calls != 2 {
		t.Fatalf("expected ErrUnreachable after 2 calls, got %d calls and %v", calls, err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, 3, time.Second, func(context.Context) error {
		return baterrors.ErrUnreachable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDedupRunsOnce(t *testing.T) {
	d, err := newDedup(time.Minute)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	defer d.close()

	runs := 0
	fn := func() error {
		runs++
		return errors.New("rejected")
	}
	if msg := d.do("a", fn); msg != "rejected" {
		t.Fatalf("unexpected outcome %q", msg)
	}
	if msg := d.do("a", fn); msg != "rejected" {
		t.Fatalf("duplicate must share the outcome, got %q", msg)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
	if msg := d.do("b", func() error { return nil }); msg != "" {
		t.Fatalf("unexpected outcome %q", msg)
	}
}
