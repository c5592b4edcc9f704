package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-cachekit/cachekit/broker"
)

type fakeConn struct {
	closed atomic.Bool
	pingFn func(ctx context.Context) error
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.pingFn != nil {
		return c.pingFn(ctx)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	dialCalls  int
	failTimes  int
	dialed     []string
	onDial     func(cfg broker.Config) (broker.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, cfg broker.Config) (broker.Conn, error) {
	d.mu.Lock()
	d.dialCalls++
	calls := d.dialCalls
	d.dialed = append(d.dialed, cfg.ConnectionString)
	d.mu.Unlock()

	if d.onDial != nil {
		return d.onDial(cfg)
	}
	if calls <= d.failTimes {
		return nil, broker.Transient(errors.New("dial refused"))
	}
	return &fakeConn{}, nil
}

func TestSupervisorConnectReusesExistingConnection(t *testing.T) {
	d := &fakeDialer{}
	s := broker.NewSupervisor(d)

	cfg := broker.Config{ConnectionString: "redis://localhost:6379/0"}
	c1, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)

	c2, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, 1, d.dialCalls)
}

func TestSupervisorConnectRetriesTransientThenSucceeds(t *testing.T) {
	d := &fakeDialer{failTimes: 2}
	s := broker.NewSupervisor(d, broker.WithMaxAttempts(5))

	c, err := s.Connect(context.Background(), broker.Config{ConnectionString: "x"})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, 3, d.dialCalls)
}

func TestSupervisorConnectExhaustsAttempts(t *testing.T) {
	d := &fakeDialer{failTimes: 100}
	s := broker.NewSupervisor(d, broker.WithMaxAttempts(2))

	_, err := s.Connect(context.Background(), broker.Config{ConnectionString: "x"})
	require.Error(t, err)
	require.ErrorIs(t, err, broker.ErrBackingStoreUnavailable)
	require.Equal(t, 2, d.dialCalls)
}

func TestSupervisorConnectDoesNotRetryIncompatiblePeer(t *testing.T) {
	d := &fakeDialer{
		onDial: func(cfg broker.Config) (broker.Conn, error) {
			return nil, errors.New("ERR unknown command 'FOO'")
		},
	}
	s := broker.NewSupervisor(d, broker.WithMaxAttempts(5))

	_, err := s.Connect(context.Background(), broker.Config{ConnectionString: "x"})
	require.Error(t, err)
	require.ErrorIs(t, err, broker.ErrIncompatiblePeer)
	require.Equal(t, 1, d.dialCalls)
}

func TestSupervisorConnectSingleFlightsConcurrentCallers(t *testing.T) {
	var inflight atomic.Int32
	var maxInflight atomic.Int32
	release := make(chan struct{})

	d := &fakeDialer{
		onDial: func(cfg broker.Config) (broker.Conn, error) {
			n := inflight.Add(1)
			for {
				cur := maxInflight.Load()
				if n <= cur || maxInflight.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			inflight.Add(-1)
			return &fakeConn{}, nil
		},
	}
	s := broker.NewSupervisor(d)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Connect(context.Background(), broker.Config{ConnectionString: "shared"})
			require.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), maxInflight.Load())
	require.Equal(t, 1, d.dialCalls)
}

func TestSupervisorDropClosesAndAllowsReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := broker.NewSupervisor(d)
	cfg := broker.Config{ConnectionString: "x"}

	c1, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, s.Drop(cfg.ConnectionString))
	require.True(t, c1.(*fakeConn).closed.Load())

	c2, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	require.Equal(t, 2, d.dialCalls)
}

func TestSupervisorHealthCheckDropsFailingConnection(t *testing.T) {
	pingErr := errors.New("connection reset")
	failing := &fakeConn{pingFn: func(ctx context.Context) error { return pingErr }}

	d := &fakeDialer{onDial: func(cfg broker.Config) (broker.Conn, error) { return failing, nil }}
	s := broker.NewSupervisor(d)
	cfg := broker.Config{ConnectionString: "x"}

	_, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)

	s.HealthCheck(context.Background(), 0)
	require.True(t, failing.closed.Load())

	// Reconnect dials again since the entry was dropped.
	d.onDial = func(cfg broker.Config) (broker.Conn, error) { return &fakeConn{}, nil }
	c, err := s.Connect(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestRedactConnectionString(t *testing.T) {
	in := "host=localhost,password=s3cr3t,db=0"
	require.Equal(t, "host=localhost,password=***,db=0", broker.RedactConnectionString(in))
}

func TestFeaturesStrictCompatibilityShortCircuits(t *testing.T) {
	d := &fakeDialer{}
	s := broker.NewSupervisor(d)
	cfg := broker.Config{StrictCompatibilityMode: true, DeclaredVersion: "7.2"}

	declared := map[string]broker.FeatureSet{"7.2": {Version: "7.2", SupportsPipelining: true}}
	fs, err := s.Features(context.Background(), cfg, declared, nil)
	require.NoError(t, err)
	require.Equal(t, "7.2", fs.Version)
	require.Equal(t, 0, d.dialCalls)
}

func TestFeaturesShardingProxyShortCircuits(t *testing.T) {
	d := &fakeDialer{}
	s := broker.NewSupervisor(d)
	cfg := broker.Config{ShardingProxy: true}

	fs, err := s.Features(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	require.False(t, fs.SupportsPipelining)
	require.Equal(t, 0, d.dialCalls)
}
