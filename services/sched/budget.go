package sched

import (
	"sync/atomic"
	"time"
)

// Budget counts work slices that ran longer than limit. On a single core a
// slice longer than the control period is the only source of control jitter.
type Budget struct {
	limit    time.Duration
	overruns atomic.Uint64
	worst    atomic.Int64
}

func NewBudget(limit time.Duration) *Budget {
	return &Budget{limit: limit}
}

// Observe records one slice and reports whether it overran.
func (b *Budget) Observe(d time.Duration) bool {
	for {
		w := b.worst.Load()
		if int64(d) <= w || b.worst.CompareAndSwap(w, int64(d)) {
			break
		}
	}
	if b.limit > 0 && d > b.limit {
		b.overruns.Add(1)
		return true
	}
	return false
}

func (b *Budget) Overruns() uint64     { return b.overruns.Load() }
func (b *Budget) Worst() time.Duration { return time.Duration(b.worst.Load()) }
func (b *Budget) Limit() time.Duration { return b.limit }
