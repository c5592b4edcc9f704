package observer

import "fmt"

// Logger is the minimal leveled-logging contract observer needs. Its
// Error takes a map[string]any where cachekit.Logger's takes
// cachekit.Fields, so a cachekit.Logger does not satisfy it directly;
// the Manager passes an adapter that converts between the two.
type Logger interface {
	Error(msg string, fields map[string]any)
}

type nopLogger struct{}

func (nopLogger) Error(string, map[string]any) {}

// Set is a synchronous fan-out of Listeners with per-listener error
// isolation: a panicking listener is recovered, logged, and does not
// affect sibling listeners or the triggering cache operation, matching
// spec.md §4.5 ("observer exceptions are caught, logged, and do not
// affect the triggering operation").
type Set struct {
	listeners []Listener
	log       Logger
}

// NewSet builds a Set dispatching to listeners in registration order. A
// nil log disables error logging (not the dispatch itself).
func NewSet(log Logger, listeners ...Listener) *Set {
	if log == nil {
		log = nopLogger{}
	}
	return &Set{listeners: listeners, log: log}
}

func (s *Set) dispatch(name string, f func(Listener)) {
	if s == nil {
		return
	}
	for _, l := range s.listeners {
		s.safeCall(name, l, f)
	}
}

func (s *Set) safeCall(name string, l Listener, f func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer listener panicked", map[string]any{
				"event": name,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	f(l)
}

func (s *Set) FireAdd(e Event)    { s.dispatch("add", func(l Listener) { l.OnAdd(e) }) }
func (s *Set) FirePut(e Event)    { s.dispatch("put", func(l Listener) { l.OnPut(e) }) }
func (s *Set) FireGet(e Event)    { s.dispatch("get", func(l Listener) { l.OnGet(e) }) }
func (s *Set) FireUpdate(e Event) { s.dispatch("update", func(l Listener) { l.OnUpdate(e) }) }
func (s *Set) FireRemove(e Event) { s.dispatch("remove", func(l Listener) { l.OnRemove(e) }) }
func (s *Set) FireClear()         { s.dispatch("clear", func(l Listener) { l.OnClear() }) }
func (s *Set) FireClearRegion(region string) {
	s.dispatch("clearRegion", func(l Listener) { l.OnClearRegion(region) })
}
