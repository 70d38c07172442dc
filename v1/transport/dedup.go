package transport

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-baton/v1/metrics"
)

const defaultDedupTTL = 10 * time.Minute

// dedup makes envelope handling idempotent. Redelivered or retried envelopes
// get the outcome of the first delivery instead of being dispatched again;
// applying an obtain_token twice would duplicate the token.
type dedup struct {
	group singleflight.Group
	done  *ristretto.Cache
	ttl   time.Duration
}

type outcome struct {
	msg       string
	duplicate bool
}

func newDedup(ttl time.Duration) (*dedup, error) {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5, // ten times the expected number of remembered ids.
		MaxCost:     1e4, // every id costs 1.
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &dedup{done: c, ttl: ttl}, nil
}

// do runs fn once per id and returns its error text. Concurrent and later
// calls with the same id share the first outcome.
func (d *dedup) do(id string, fn func() error) string {
	if v, ok := d.done.Get(id); ok {
		metrics.DuplicatesDropped.Inc()
		return v.(string)
	}
	v, _, shared := d.group.Do(id, func() (interface{}, error) {
		if v, ok := d.done.Get(id); ok {
			return outcome{msg: v.(string), duplicate: true}, nil
		}
		var msg string
		if err := fn(); err != nil {
			msg = err.Error()
		}
		d.done.SetWithTTL(id, msg, 1, d.ttl)
		d.done.Wait()
		return outcome{msg: msg}, nil
	})
	out := v.(outcome)
	if shared || out.duplicate {
		metrics.DuplicatesDropped.Inc()
	}
	return out.msg
}

func (d *dedup) close() {
	d.done.Close()
}
