package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Conn is a single established connection to the broker. Concrete
// Dialers (e.g. broker/redis) return implementations of this; the
// Supervisor only needs to know how to probe health and tear a
// connection down.
type Conn interface {
	// Ping checks liveness. A transient failure should be returned via
	// Transient(err) so Retry recognizes it.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// Dialer establishes a new Conn for a given Config. Implementations
// wrap a specific client library (go-redis, gomemcache, ...).
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

type entry struct {
	mu     sync.RWMutex
	conn   Conn
	cfg    Config
	closed bool
}

// Supervisor is a process-wide, concurrency-safe registry of broker
// connections keyed by connection string. Concurrent callers asking
// for the same key during establishment share a single dial attempt
// via singleflight, per spec.md §4.2: "the establishment closure runs
// at most once per key under contention."
type Supervisor struct {
	dialer Dialer
	log    Logger

	maxAttempts int
	newBackoff  func() backoff.BackOff

	mu      sync.RWMutex
	entries map[string]*entry

	sf singleflight.Group
}

// SupervisorOption configures a Supervisor at construction.
type SupervisorOption func(*Supervisor)

// WithMaxAttempts overrides the default retry attempt count used by
// Connect.
func WithMaxAttempts(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxAttempts = n }
}

// WithBackoffFactory overrides the backoff.BackOff constructor used for
// each Connect retry loop. The factory is called once per Connect call
// so state (like elapsed time) doesn't leak across attempts to
// different keys.
func WithBackoffFactory(f func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) { s.newBackoff = f }
}

// WithSupervisorLogger attaches a Logger for connect/retry diagnostics.
func WithSupervisorLogger(l Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = l }
}

// NewSupervisor constructs a Supervisor backed by dialer.
func NewSupervisor(dialer Dialer, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dialer:      dialer,
		log:         nopBrokerLogger{},
		maxAttempts: 5,
		newBackoff:  DefaultBackoff,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Logger is the minimal logging contract the Supervisor needs.
type Logger interface {
	Debug(msg string, f map[string]any)
	Warn(msg string, f map[string]any)
	Error(msg string, f map[string]any)
}

type nopBrokerLogger struct{}

func (nopBrokerLogger) Debug(string, map[string]any) {}
func (nopBrokerLogger) Warn(string, map[string]any)  {}
func (nopBrokerLogger) Error(string, map[string]any) {}

// Connect returns the healthy connection for cfg.ConnectionString,
// establishing (and retrying) one if none exists yet, or if the
// existing one was closed. Concurrent Connect calls for the same
// connection string collapse into a single dial attempt.
func (s *Supervisor) Connect(ctx context.Context, cfg Config) (Conn, error) {
	key := cfg.ConnectionString

	if c, ok := s.lookup(key); ok {
		return c, nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		// Re-check under singleflight: another goroutine may have
		// finished establishment between our lookup and Do entry.
		if c, ok := s.lookup(key); ok {
			return c, nil
		}

		var conn Conn
		dialErr := Retry(ctx, func(ctx context.Context) error {
			c, err := s.dialer.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, s.newBackoff(), s.maxAttempts)
		if dialErr != nil {
			s.log.Error("broker connect failed", map[string]any{
				"connectionString": RedactConnectionString(key),
				"err":              dialErr.Error(),
			})
			return nil, dialErr
		}

		s.store(key, cfg, conn)
		s.log.Debug("broker connected", map[string]any{
			"connectionString": RedactConnectionString(key),
		})
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

func (s *Supervisor) lookup(key string) (Conn, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false
	}
	return e.conn, true
}

func (s *Supervisor) store(key string, cfg Config, conn Conn) {
	s.mu.Lock()
	s.entries[key] = &entry{conn: conn, cfg: cfg}
	s.mu.Unlock()
}

// Drop closes and removes the connection registered for key, if any.
// Subsequent Connect calls re-establish.
func (s *Supervisor) Drop(key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return e.conn.Close()
}

// CloseAll closes every tracked connection. Intended for process
// shutdown.
func (s *Supervisor) CloseAll() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	var lastErr error
	for _, e := range entries {
		e.mu.Lock()
		e.closed = true
		if err := e.conn.Close(); err != nil {
			lastErr = err
		}
		e.mu.Unlock()
	}
	return lastErr
}

// HealthCheck pings every tracked connection and drops any that fail,
// per spec.md §4.2's periodic health-check sweep. Intended to be run
// from a caller-owned ticker.
func (s *Supervisor) HealthCheck(ctx context.Context, timeout time.Duration) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, key := range keys {
		conn, ok := s.lookup(key)
		if !ok {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			s.log.Warn("broker connection failed health check, dropping", map[string]any{
				"connectionString": RedactConnectionString(key),
				"err":              err.Error(),
			})
			_ = s.Drop(key)
		}
	}
}
