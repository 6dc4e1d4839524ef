package mvc

import (
	"context"
	"sync/atomic"

	"github.com/pion/logging"
)

// PairFunc receives a base and an extended surface of equal frame order.
type PairFunc func(ctx context.Context, base, ext *Surface)

// PairingQueue holds decoded surfaces per view until their partner view
// arrives. Within a view, frame order increases with push order; pairing
// only ever compares the two queue fronts.
type PairingQueue struct {
	pool  *Pool
	depth int
	pair  PairFunc
	log   logging.LeveledLogger

	base []*Surface
	ext  []*Surface

	paired  atomic.Uint64
	orphans atomic.Uint64
}

// NewPairingQueue returns a queue releasing orphans to pool and handing
// matched surfaces to pair. depth is the engine async depth.
func NewPairingQueue(pool *Pool, depth int, pair PairFunc, log logging.LeveledLogger) *PairingQueue {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("mvc")
	}
	return &PairingQueue{pool: pool, depth: depth, pair: pair, log: log}
}

// Push routes s by view id and pairs eagerly once a queue holds half the
// async depth. A queue reaching the full depth while the other view is
// empty drops its oldest entry.
func (q *PairingQueue) Push(ctx context.Context, s *Surface) {
	if s.Frame().ViewID == 0 {
		q.base = append(q.base, s)
	} else {
		q.ext = append(q.ext, s)
	}

	threshold := max(q.depth>>1, 1)
	for (len(q.base) >= threshold || len(q.ext) >= threshold) && len(q.base) > 0 && len(q.ext) > 0 {
		q.ProcessOutput(ctx)
	}

	if len(q.base) >= q.depth && len(q.ext) == 0 {
		q.base = q.dropFront(q.base, "base")
	}
	if len(q.ext) >= q.depth && len(q.base) == 0 {
		q.ext = q.dropFront(q.ext, "extended")
	}
}

// ProcessOutput compares the queue fronts once. Equal frame orders are
// paired; the smaller front is an orphan and dropped. It reports false when
// a queue is empty and nothing was done.
func (q *PairingQueue) ProcessOutput(ctx context.Context) bool {
	if len(q.base) == 0 || len(q.ext) == 0 {
		return false
	}
	b, e := q.base[0], q.ext[0]
	bo, eo := b.Frame().FrameOrder, e.Frame().FrameOrder

	switch {
	case bo == eo:
		q.base[0], q.ext[0] = nil, nil
		q.base, q.ext = q.base[1:], q.ext[1:]
		q.paired.Add(1)
		q.pair(ctx, b, e)
	case bo < eo:
		q.base = q.dropFront(q.base, "base")
	default:
		q.ext = q.dropFront(q.ext, "extended")
	}
	return true
}

func (q *PairingQueue) dropFront(views []*Surface, name string) []*Surface {
	s := views[0]
	q.log.Debugf("dropping unpaired %s view, frame order %d", name, s.Frame().FrameOrder)
	q.pool.Release(s)
	q.orphans.Add(1)
	views[0] = nil
	return views[1:]
}

// Drain pairs until one queue is empty, then releases the unpaired tail.
func (q *PairingQueue) Drain(ctx context.Context) {
	for q.ProcessOutput(ctx) {
	}
	if n := len(q.base) + len(q.ext); n > 0 {
		q.log.Debugf("drain: releasing %d unpaired surfaces", n)
	}
	q.Reset()
}

// Reset releases every queued surface.
func (q *PairingQueue) Reset() {
	for _, s := range q.base {
		q.pool.Release(s)
	}
	for _, s := range q.ext {
		q.pool.Release(s)
	}
	q.base, q.ext = nil, nil
}

// Len returns the number of queued base and extended surfaces.
func (q *PairingQueue) Len() (base, ext int) {
	return len(q.base), len(q.ext)
}

// Orphans returns how many surfaces were dropped without a partner. It is
// safe to call from any goroutine.
func (q *PairingQueue) Orphans() uint64 { return q.orphans.Load() }

// Paired returns how many pairs were handed out.
func (q *PairingQueue) Paired() uint64 { return q.paired.Load() }
