// Package transport carries the two custodian operations, request_token and
// obtain_token, between peers. Stubs implement lock.Peer on the calling side;
// listeners dispatch incoming envelopes to the local custodian.
//
// Failures to reach a peer are reported as errors matching
// errors.ErrUnreachable from the v1/errors package, which is what makes the
// custodian evict the peer. Errors returned by the remote custodian come back
// as *RemoteError.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-baton/v1/lock"
)

// Op names a remote operation.
type Op string

const (
	OpRequestToken Op = "request_token"
	OpObtainToken  Op = "obtain_token"
)

var (
	// ErrUnknownOp is returned when an envelope names an operation nobody serves.
	ErrUnknownOp = errors.New("baton: unknown operation")
	// ErrMalformed is returned for envelopes that cannot be decoded.
	ErrMalformed = errors.New("baton: malformed envelope")
)

// Pair is one token entry on the wire: peer id and logical time.
type Pair [2]int64

// Envelope is the JSON message exchanged between peers. Replies reuse the
// request ID and only carry Err.
type Envelope struct {
	ID    string      `json:"id"`
	Op    Op          `json:"op,omitempty"`
	From  lock.PeerID `json:"from,omitempty"`
	Time  int64       `json:"time,omitempty"`
	Token []Pair      `json:"token,omitempty"`
	Err   string      `json:"err,omitempty"`
}

// Handler is the inbound side of a custodian.
type Handler interface {
	RequestToken(ctx context.Context, time int64, from lock.PeerID) error
	ObtainToken(ctx context.Context, token lock.Token) error
}

// RemoteError is an error returned by the custodian at the other end.
type RemoteError struct {
	Op   Op
	Peer lock.PeerID
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("baton: peer %d rejected %s: %s", e.Peer, e.Op, e.Msg)
}

// EncodeToken turns a token into a pair list ordered by peer id. Peer ids are
// not strings, so the token never travels as a JSON object.
func EncodeToken(t lock.Token) []Pair {
	pairs := make([]Pair, 0, len(t))
	for pid, at := range t {
		pairs = append(pairs, Pair{int64(pid), at})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

// DecodeToken rebuilds a token from its pair list.
func DecodeToken(pairs []Pair) (lock.Token, error) {
	t := make(lock.Token, len(pairs))
	for _, p := range pairs {
		pid := lock.PeerID(p[0])
		if _, dup := t[pid]; dup {
			return nil, fmt.Errorf("%w: peer %d listed twice in token", ErrMalformed, pid)
		}
		t[pid] = p[1]
	}
	return t, nil
}

// NewRequest builds a request_token envelope.
func NewRequest(time int64, from lock.PeerID) Envelope {
	return Envelope{ID: uuid.NewString(), Op: OpRequestToken, Time: time, From: from}
}

// NewObtain builds an obtain_token envelope.
func NewObtain(t lock.Token) Envelope {
	return Envelope{ID: uuid.NewString(), Op: OpObtainToken, Token: EncodeToken(t)}
}

// Marshal encodes an envelope.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return env, nil
}

// Dispatch invokes the operation named by env on h.
func Dispatch(ctx context.Context, h Handler, env Envelope) error {
	switch env.Op {
	case OpRequestToken:
		return h.RequestToken(ctx, env.Time, env.From)
	case OpObtainToken:
		t, err := DecodeToken(env.Token)
		if err != nil {
			return err
		}
		return h.ObtainToken(ctx, t)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, env.Op)
}

// reply builds the answer to env after dispatching it.
func reply(env Envelope, err error) Envelope {
	r := Envelope{ID: env.ID}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}
