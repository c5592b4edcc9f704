// Package redis adapts github.com/redis/go-redis/v9 to broker.Dialer,
// broker.Conn and broker.Prober, so a Supervisor can manage Redis
// connections the way spec.md §4.2 describes.
package redis

import (
	"context"
	"errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/go-cachekit/cachekit/broker"
)

var ErrNilClient = errors.New("broker/redis: nil client")

// Dialer builds a goredis.UniversalClient from a broker.Config's
// connection string (a standard redis:// or rediss:// URL) on each
// Dial call.
type Dialer struct{}

var (
	_ broker.Dialer = Dialer{}
	_ broker.Prober = Dialer{}
)

func (Dialer) Dial(ctx context.Context, cfg broker.Config) (broker.Conn, error) {
	opts, err := goredis.ParseURL(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, classifyRedisErr(err)
	}
	return &Conn{client: client}, nil
}

// Probe issues an INFO server command and parses the redis_version
// field. It sends no pipelined command; SupportsPipelining and
// SupportsServerSideTTL are always reported as true.
func (Dialer) Probe(ctx context.Context, c broker.Conn) (broker.FeatureSet, error) {
	conn, ok := c.(*Conn)
	if !ok {
		return broker.FeatureSet{}, ErrNilClient
	}
	info, err := conn.client.Info(ctx, "server").Result()
	if err != nil {
		return broker.FeatureSet{}, classifyRedisErr(err)
	}
	version := parseInfoField(info, "redis_version")
	return broker.FeatureSet{
		Version:               version,
		SupportsPipelining:    true,
		SupportsServerSideTTL: true,
	}, nil
}

func parseInfoField(info, field string) string {
	prefix := field + ":"
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

// Conn wraps a goredis.UniversalClient as a broker.Conn.
type Conn struct {
	client goredis.UniversalClient
}

var _ broker.Conn = (*Conn)(nil)

// Client exposes the underlying client for a distributed Tier
// implementation to issue GET/SET/DEL/INCR and pub/sub commands
// against.
func (c *Conn) Client() goredis.UniversalClient { return c.client }

func (c *Conn) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	if err != nil {
		return classifyRedisErr(err)
	}
	return nil
}

func (c *Conn) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}

// classifyRedisErr returns "unknown command" errors and goredis.Nil
// as-is, so broker.Retry's IsIncompatiblePeer check can see the
// original message, and wraps every other error as broker.Transient so
// Retry retries it.
func classifyRedisErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unknown command") {
		return err
	}
	if errors.Is(err, goredis.Nil) {
		return err
	}
	// Anything else reaching here from Dial/Ping/Info is a connection,
	// timeout, or server-transient condition.
	return broker.Transient(err)
}
