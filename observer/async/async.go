// Package async adapts observer.Listener into a non-blocking, queued
// listener, directly grounded on cachekit's teacher's hooks/async: a
// bounded channel feeding a small fixed worker pool, dropping events
// rather than blocking the caller when the queue is full.
//
// Use this to get a slow or I/O-bound listener (e.g. one that ships
// events to an external system) off the Manager's hot path, while the
// Manager's own dispatch into this wrapper stays synchronous and cheap
// (an enqueue).
package async

import (
	"sync"

	"github.com/go-cachekit/cachekit/observer"
)

// Listener wraps an inner observer.Listener, running its callbacks on a
// worker pool fed by a bounded queue. Events are dropped (not blocked)
// when the queue is full.
type Listener struct {
	inner observer.Listener
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ observer.Listener = (*Listener)(nil)

// New starts workers goroutines (minimum 1) draining a queue of length
// qlen (minimum 1024 if qlen <= 0).
func New(inner observer.Listener, workers, qlen int) *Listener {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	l := &Listener{inner: inner, q: make(chan func(), qlen)}
	l.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer l.wg.Done()
			for f := range l.q {
				f()
			}
		}()
	}
	return l
}

// Close stops accepting new events and waits for queued ones to drain.
// Safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.q)
		l.wg.Wait()
	})
}

func (l *Listener) try(f func()) {
	select {
	case l.q <- f:
	default: // drop; queue full
	}
}

func (l *Listener) OnAdd(e observer.Event)    { l.try(func() { l.inner.OnAdd(e) }) }
func (l *Listener) OnPut(e observer.Event)    { l.try(func() { l.inner.OnPut(e) }) }
func (l *Listener) OnGet(e observer.Event)    { l.try(func() { l.inner.OnGet(e) }) }
func (l *Listener) OnUpdate(e observer.Event) { l.try(func() { l.inner.OnUpdate(e) }) }
func (l *Listener) OnRemove(e observer.Event) { l.try(func() { l.inner.OnRemove(e) }) }
func (l *Listener) OnClear()                  { l.try(func() { l.inner.OnClear() }) }
func (l *Listener) OnClearRegion(region string) {
	l.try(func() { l.inner.OnClearRegion(region) })
}
