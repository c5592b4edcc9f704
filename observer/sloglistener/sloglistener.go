// Package sloglistener is a ready-made observer.Listener that logs every
// cache event via log/slog, adapted from cachekit's teacher's sloghooks
// (same sampling-counter shape). It logs all seven event kinds; only
// OnGet is sampled.
package sloglistener

import (
	"log/slog"
	"sync/atomic"

	"github.com/go-cachekit/cachekit/observer"
)

// Options tunes sampling so high-QPS events don't flood the log.
type Options struct {
	// GetEvery samples OnGet (hit+miss dominate traffic in any real
	// deployment). 0 or 1 logs every call.
	GetEvery uint64
	// Other events (Add/Put/Update/Remove/Clear/ClearRegion) are
	// comparatively rare and are always logged.
}

// Listener logs via the given slog.Logger. A nil Logger makes every
// callback a no-op.
type Listener struct {
	l    *slog.Logger
	opts Options

	getCtr atomic.Uint64
}

var _ observer.Listener = (*Listener)(nil)

// New constructs a Listener. l may be nil to disable logging entirely.
func New(l *slog.Logger, opts Options) *Listener {
	return &Listener{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (s *Listener) OnAdd(e observer.Event) {
	if s.l == nil {
		return
	}
	s.l.Info("cachekit.add", "key", e.Key, "region", e.Region, "success", e.Success)
}

func (s *Listener) OnPut(e observer.Event) {
	if s.l == nil {
		return
	}
	s.l.Debug("cachekit.put", "key", e.Key, "region", e.Region)
}

func (s *Listener) OnGet(e observer.Event) {
	if s.l == nil || !sample(s.opts.GetEvery, &s.getCtr) {
		return
	}
	s.l.Debug("cachekit.get", "key", e.Key, "region", e.Region, "hit", e.Success)
}

func (s *Listener) OnUpdate(e observer.Event) {
	if s.l == nil {
		return
	}
	s.l.Info("cachekit.update", "key", e.Key, "region", e.Region, "success", e.Success)
}

func (s *Listener) OnRemove(e observer.Event) {
	if s.l == nil {
		return
	}
	s.l.Debug("cachekit.remove", "key", e.Key, "region", e.Region, "removed", e.Success)
}

func (s *Listener) OnClear() {
	if s.l == nil {
		return
	}
	s.l.Warn("cachekit.clear")
}

func (s *Listener) OnClearRegion(region string) {
	if s.l == nil {
		return
	}
	s.l.Warn("cachekit.clear_region", "region", region)
}
