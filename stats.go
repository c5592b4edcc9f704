package cachekit

import "sync/atomic"

// Stats holds a tier's per-instance counters. All fields mutate via atomic
// add; reads are lock-free and may be slightly stale, matching spec.md
// §4.5 exactly. The zero value is ready to use.
type Stats struct {
	Hits             atomic.Int64
	Misses           atomic.Int64
	Items            atomic.Int64
	AddCalls         atomic.Int64
	PutCalls         atomic.Int64
	RemoveCalls      atomic.Int64
	ClearCalls       atomic.Int64
	ClearRegionCalls atomic.Int64
}

// Snapshot is a point-in-time copy of Stats, safe to pass around without
// further synchronization.
type Snapshot struct {
	Hits             int64
	Misses           int64
	Items            int64
	AddCalls         int64
	PutCalls         int64
	RemoveCalls      int64
	ClearCalls       int64
	ClearRegionCalls int64
}

// Snapshot reads all counters. Individual fields may be read at slightly
// different instants relative to one another under concurrent mutation.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{
		Hits:             s.Hits.Load(),
		Misses:           s.Misses.Load(),
		Items:            s.Items.Load(),
		AddCalls:         s.AddCalls.Load(),
		PutCalls:         s.PutCalls.Load(),
		RemoveCalls:      s.RemoveCalls.Load(),
		ClearCalls:       s.ClearCalls.Load(),
		ClearRegionCalls: s.ClearRegionCalls.Load(),
	}
}

func (s *Stats) reset() {
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Items.Store(0)
	s.AddCalls.Store(0)
	s.PutCalls.Store(0)
	s.RemoveCalls.Store(0)
	s.ClearCalls.Store(0)
	s.ClearRegionCalls.Store(0)
}
