package backplane

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/go-cachekit/cachekit/backplane/wire"
)

// DefaultHardLimit bounds the outbound set per spec.md §4.3 ("design
// default: a few thousand").
const DefaultHardLimit = 4096

// DefaultCoalesceDelay is the short window a flush waits before
// serializing, to let additional enqueues join the batch.
const DefaultCoalesceDelay = 10 * time.Millisecond

// DefaultFlushInterval is the periodic safety-net flush cadence.
const DefaultFlushInterval = 100 * time.Millisecond

// Logger is the minimal logging contract the Backplane needs.
type Logger interface {
	Debug(msg string, f map[string]any)
	Warn(msg string, f map[string]any)
	Error(msg string, f map[string]any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}

// Handlers are the Manager's inbound callbacks, invoked sequentially for
// each message in a received frame, in order. The Backplane has already
// filtered out self-echoes by the time these fire.
type Handlers struct {
	OnChanged     func(key, region string, action ChangeAction)
	OnRemoved     func(key, region string)
	OnCleared     func()
	OnClearRegion func(region string)
}

// Options configures a Backplane.
type Options struct {
	Transport Transport
	Channel   string
	Logger    Logger // nil => no-op

	HardLimit      int           // <=0 => DefaultHardLimit
	CoalesceDelay  time.Duration // <=0 => DefaultCoalesceDelay
	FlushInterval  time.Duration // <=0 => DefaultFlushInterval
	InboundHandler Handlers
}

// Backplane disseminates invalidation messages among Managers attached
// to the same broker channel: a batched, deduplicating publisher plus a
// self-echo-suppressing subscriber. See spec.md §4.3 for the full
// enqueue/flush rule set this implements.
type Backplane struct {
	transport Transport
	channel   string
	log       Logger
	sender    SenderID

	hardLimit     int
	coalesceDelay time.Duration
	flushInterval time.Duration
	handlers      Handlers

	mu           sync.Mutex
	outbound     map[string]Message
	skippedCount int

	sending atomic.Bool // single-flush guard: Idle(false) <-> Sending(true)

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	enqueueSig chan struct{}

	closeOnce sync.Once
}

// New constructs and starts a Backplane: the periodic safety-net flush
// timer and (if opts.Transport is non-nil) the inbound subscription both
// start immediately.
func New(opts Options) *Backplane {
	log := opts.Logger
	if log == nil {
		log = nopLogger{}
	}
	hardLimit := opts.HardLimit
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	coalesce := opts.CoalesceDelay
	if coalesce <= 0 {
		coalesce = DefaultCoalesceDelay
	}
	flushEvery := opts.FlushInterval
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backplane{
		transport:     opts.Transport,
		channel:       opts.Channel,
		log:           log,
		sender:        newSenderID(),
		hardLimit:     hardLimit,
		coalesceDelay: coalesce,
		flushInterval: flushEvery,
		handlers:      opts.InboundHandler,
		outbound:      make(map[string]Message),
		ctx:           ctx,
		cancel:        cancel,
		enqueueSig:    make(chan struct{}, 1),
	}

	b.wg.Add(1)
	go b.flushLoop()

	if b.transport != nil {
		b.wg.Add(1)
		go b.subscribeLoop()
	}
	return b
}

// SenderID returns this Backplane's sender identifier, used by receivers
// to suppress self-echoes.
func (b *Backplane) SenderID() SenderID { return b.sender }

func newSenderID() SenderID {
	var id SenderID
	u, err := uuid.NewRandom()
	if err != nil {
		_, _ = rand.Read(id[:]) // extremely unlikely fallback
		return id
	}
	copy(id[:], u[:])
	return id
}

// NotifyChange enqueues a Changed message.
func (b *Backplane) NotifyChange(key, region string, action ChangeAction) {
	b.enqueue(NewChanged(b.sender, key, region, action))
}

// NotifyRemove enqueues a Removed message.
func (b *Backplane) NotifyRemove(key, region string) {
	b.enqueue(NewRemoved(b.sender, key, region))
}

// NotifyClear enqueues a Clear message, subsuming everything else
// currently pending.
func (b *Backplane) NotifyClear() {
	b.enqueue(NewClear(b.sender))
}

// NotifyClearRegion enqueues a ClearRegion message.
func (b *Backplane) NotifyClearRegion(region string) {
	b.enqueue(NewClearRegion(b.sender, region))
}

// enqueue implements spec.md §4.3's enqueue rules 1-3, then triggers a
// flush attempt.
func (b *Backplane) enqueue(m Message) {
	b.mu.Lock()
	switch {
	case m.Action == ActionClear:
		// Rule 1: Clear discards outbound entirely, folding its size
		// into skippedCount, then becomes the sole pending message.
		b.skippedCount += len(b.outbound)
		b.outbound = map[string]Message{m.dedupKey(): m}
	case len(b.outbound) >= b.hardLimit:
		// Rule 2: hard limit reached; drop and count. Every dropped
		// message is logged; repeated drops are not collapsed into one
		// log line.
		b.skippedCount++
		b.log.Warn("backplane outbound at hard limit, dropping message", map[string]any{
			"hardLimit": humanize.Comma(int64(b.hardLimit)),
		})
	default:
		// Rule 3: insert or collapse duplicate.
		k := m.dedupKey()
		if _, dup := b.outbound[k]; dup {
			b.skippedCount++
		} else {
			b.outbound[k] = m
		}
	}
	b.mu.Unlock()

	select {
	case b.enqueueSig <- struct{}{}:
	default:
	}
}

// Stats is a point-in-time view of the outbound set, for tests and
// diagnostics.
type Stats struct {
	OutboundSize int
	SkippedCount int
}

func (b *Backplane) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{OutboundSize: len(b.outbound), SkippedCount: b.skippedCount}
}

func (b *Backplane) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.tryFlush()
		case <-b.enqueueSig:
			// Rule 3 (flush): coalesce briefly so a burst of enqueues
			// joins one batch.
			timer := time.NewTimer(b.coalesceDelay)
			select {
			case <-timer.C:
			case <-b.ctx.Done():
				timer.Stop()
				return
			}
			b.tryFlush()
		}
	}
}

// tryFlush implements spec.md §4.3's flush rules: at most one flush may
// be in progress (rule 2, single-entry guard via the sending flag), the
// snapshot is serialized and published, and the outbound set is cleared
// only on success (rule 4). With no transport configured, the snapshot
// is discarded and the outbound set is cleared without publishing.
func (b *Backplane) tryFlush() {
	if !b.sending.CompareAndSwap(false, true) {
		return
	}
	defer b.sending.Store(false)

	b.mu.Lock()
	if len(b.outbound) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]Message, 0, len(b.outbound))
	for _, m := range b.outbound {
		snapshot = append(snapshot, m)
	}
	b.mu.Unlock()

	frame := encodeFrame(snapshot)

	if b.transport == nil {
		b.log.Warn("backplane flush with no transport configured; dropping frame", nil)
		b.clearOutboundAfterFlush()
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	if err := b.transport.Publish(ctx, b.channel, frame); err != nil {
		// Rule 4: leave outbound intact for the next attempt; log, don't
		// propagate.
		b.log.Error("backplane publish failed, will retry next flush", map[string]any{
			"err":        err.Error(),
			"frameBytes": humanize.Bytes(uint64(len(frame))),
		})
		return
	}
	b.log.Debug("backplane flushed", map[string]any{
		"messages":   len(snapshot),
		"frameBytes": humanize.Bytes(uint64(len(frame))),
		"checksum":   xxhash.Sum64(frame),
	})
	b.clearOutboundAfterFlush()
}

func (b *Backplane) clearOutboundAfterFlush() {
	b.mu.Lock()
	b.outbound = make(map[string]Message)
	b.skippedCount = 0
	b.mu.Unlock()
}

func encodeFrame(msgs []Message) []byte {
	wireMsgs := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		wireMsgs = append(wireMsgs, toWire(m))
	}
	return wire.EncodeFrame(wireMsgs)
}

func toWire(m Message) wire.Message {
	return wire.Message{
		Action: wire.Action(m.Action),
		Change: byte(m.Change),
		Sender: m.Sender,
		Key:    m.Key,
		Region: regionOrClearRegion(m),
	}
}

func regionOrClearRegion(m Message) string {
	if m.Action == ActionClearRegion {
		return m.ClearRegionName
	}
	return m.Region
}

func fromWire(m wire.Message) Message {
	out := Message{
		Sender: m.Sender,
		Action: Action(m.Action),
		Change: ChangeAction(m.Change),
	}
	switch out.Action {
	case ActionClearRegion:
		out.ClearRegionName = m.Region
	default:
		out.Key = m.Key
		out.Region = m.Region
	}
	return out
}

// subscribeLoop receives frames from the transport and dispatches
// inbound handlers sequentially, ignoring self-echoes.
func (b *Backplane) subscribeLoop() {
	defer b.wg.Done()
	ch, err := b.transport.Subscribe(b.ctx, b.channel)
	if err != nil {
		b.log.Error("backplane subscribe failed", map[string]any{"err": err.Error()})
		return
	}
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			b.handleFrame(frame)
		}
	}
}

func (b *Backplane) handleFrame(frame []byte) {
	wireMsgs, err := wire.DecodeFrame(frame)
	if err != nil {
		b.log.Warn("backplane dropped undecodable frame", map[string]any{"err": err.Error()})
		return
	}
	for _, wm := range wireMsgs {
		m := fromWire(wm)
		if m.Sender == b.sender {
			continue // self-echo
		}
		b.dispatch(m)
	}
}

func (b *Backplane) dispatch(m Message) {
	switch m.Action {
	case ActionChanged:
		if b.handlers.OnChanged != nil {
			b.handlers.OnChanged(m.Key, m.Region, m.Change)
		}
	case ActionRemoved:
		if b.handlers.OnRemoved != nil {
			b.handlers.OnRemoved(m.Key, m.Region)
		}
	case ActionClear:
		if b.handlers.OnCleared != nil {
			b.handlers.OnCleared()
		}
	case ActionClearRegion:
		if b.handlers.OnClearRegion != nil {
			b.handlers.OnClearRegion(m.ClearRegionName)
		}
	}
}

// Close disposes the Backplane: it flushes outbound synchronously up to
// a short deadline, then stops the flush/subscribe loops. Safe to call
// more than once.
func (b *Backplane) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		deadline := 2 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			if d := time.Until(dl); d > 0 && d < deadline {
				deadline = d
			}
		}
		done := make(chan struct{})
		go func() {
			b.tryFlush()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(deadline):
		}
		b.cancel()
		b.wg.Wait()
	})
	return nil
}
