// Package redis adapts github.com/redis/go-redis/v9, via a
// broker.Supervisor-managed connection, into a distributed
// cachekit.Tier — grounded in cachekit's teacher's provider/redis
// (byte-for-byte Get/Set/Del) and genstore/redis.go (pipelined INCR
// shape, here repurposed for Update's optimistic-concurrency loop).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/broker"
	brredis "github.com/go-cachekit/cachekit/broker/redis"
	"github.com/go-cachekit/cachekit/internal/util"
	"github.com/go-cachekit/cachekit/tiers/envelope"
)

// Config configures a Redis-backed Tier.
type Config struct {
	Name string

	Supervisor *broker.Supervisor
	Broker     broker.Config

	// KeyPrefix namespaces every key this Tier writes, so Clear's SCAN
	// never touches keys from an unrelated application sharing the
	// same Redis database.
	KeyPrefix string

	DefaultExpirationMode    cachekit.ExpirationMode
	DefaultExpirationTimeout time.Duration

	IsBackplaneSource bool
}

// Tier is a cachekit.Tier backed by Redis.
type Tier struct {
	name string
	sup  *broker.Supervisor
	cfg  broker.Config
	tcfg Config

	stats cachekit.Stats
}

var _ cachekit.Tier = (*Tier)(nil)

// New constructs a Redis-backed Tier. The connection itself is
// established lazily (and retried) through cfg.Supervisor on first
// use, not at construction time.
func New(cfg Config) (*Tier, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("redis tier: Supervisor is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cachekit:"
	}
	return &Tier{name: cfg.Name, sup: cfg.Supervisor, cfg: cfg.Broker, tcfg: cfg}, nil
}

func (t *Tier) Name() string            { return t.name }
func (t *Tier) IsBackplaneSource() bool { return t.tcfg.IsBackplaneSource }
func (t *Tier) IsDistributed() bool     { return true }
func (t *Tier) Stats() *cachekit.Stats  { return &t.stats }

func (t *Tier) client(ctx context.Context) (goredis.UniversalClient, error) {
	conn, err := t.sup.Connect(ctx, t.cfg)
	if err != nil {
		return nil, err
	}
	rc, ok := conn.(*brredis.Conn)
	if !ok {
		return nil, errors.New("redis tier: supervisor returned a non-redis connection")
	}
	return rc.Client(), nil
}

func (t *Tier) itemKey(key, region string) string {
	return t.tcfg.KeyPrefix + "item:" + util.CompositeIdentity(region, key)
}

func (t *Tier) regionIndexKey(region string) string {
	return t.tcfg.KeyPrefix + "region:" + region
}

func ttlFor(item cachekit.StoredItem) time.Duration {
	switch item.ExpirationMode {
	case cachekit.ExpirationAbsolute, cachekit.ExpirationSliding:
		return time.Duration(item.ExpirationTimeout)
	default:
		return 0 // no server-side TTL; envelope.Expired still enforces it
	}
}

func (t *Tier) get(ctx context.Context, key, region string) (cachekit.StoredItem, bool, error) {
	c, err := t.client(ctx)
	if err != nil {
		return cachekit.StoredItem{}, false, err
	}
	raw, err := c.Get(ctx, t.itemKey(key, region)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return cachekit.StoredItem{}, false, nil
	}
	if err != nil {
		return cachekit.StoredItem{}, false, broker.Transient(err)
	}
	item, err := envelope.Decode(raw)
	if err != nil {
		return cachekit.StoredItem{}, false, cachekit.NewError(cachekit.KindSerializationError, "redis.get", err)
	}
	if envelope.Expired(item, time.Now()) {
		_ = c.Del(ctx, t.itemKey(key, region)).Err()
		return cachekit.StoredItem{}, false, nil
	}
	return item, true, nil
}

func (t *Tier) put(ctx context.Context, item cachekit.StoredItem) error {
	c, err := t.client(ctx)
	if err != nil {
		return err
	}
	item = envelope.ResolveDefault(item, t.tcfg.DefaultExpirationMode, t.tcfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(item)
	if err != nil {
		return cachekit.NewError(cachekit.KindSerializationError, "redis.put", err)
	}

	key := t.itemKey(item.Key, item.Region)
	pipe := c.TxPipeline()
	pipe.Set(ctx, key, raw, ttlFor(item))
	pipe.SAdd(ctx, t.regionIndexKey(item.Region), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Transient(err)
	}
	return nil
}

func (t *Tier) Add(ctx context.Context, item cachekit.StoredItem) (bool, error) {
	t.stats.AddCalls.Add(1)
	c, err := t.client(ctx)
	if err != nil {
		return false, err
	}
	item = envelope.ResolveDefault(item, t.tcfg.DefaultExpirationMode, t.tcfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(item)
	if err != nil {
		return false, cachekit.NewError(cachekit.KindSerializationError, "redis.add", err)
	}
	key := t.itemKey(item.Key, item.Region)
	ok, err := c.SetNX(ctx, key, raw, ttlFor(item)).Result()
	if err != nil {
		return false, broker.Transient(err)
	}
	if !ok {
		return false, nil
	}
	if err := c.SAdd(ctx, t.regionIndexKey(item.Region), key).Err(); err != nil {
		return false, broker.Transient(err)
	}
	t.stats.Items.Add(1)
	return true, nil
}

func (t *Tier) Put(ctx context.Context, item cachekit.StoredItem) error {
	t.stats.PutCalls.Add(1)
	return t.put(ctx, item)
}

func (t *Tier) Get(ctx context.Context, key, region string) (cachekit.StoredItem, bool, error) {
	item, ok, err := t.get(ctx, key, region)
	if err != nil {
		return cachekit.StoredItem{}, false, err
	}
	if !ok {
		t.stats.Misses.Add(1)
		return cachekit.StoredItem{}, false, nil
	}
	t.stats.Hits.Add(1)
	return item, true, nil
}

func (t *Tier) Exists(ctx context.Context, key, region string) (bool, error) {
	_, ok, err := t.get(ctx, key, region)
	return ok, err
}

func (t *Tier) Remove(ctx context.Context, key, region string) (bool, error) {
	t.stats.RemoveCalls.Add(1)
	c, err := t.client(ctx)
	if err != nil {
		return false, err
	}
	itemKey := t.itemKey(key, region)
	n, err := c.Del(ctx, itemKey).Result()
	if err != nil {
		return false, broker.Transient(err)
	}
	_ = c.SRem(ctx, t.regionIndexKey(region), itemKey).Err()
	if n > 0 {
		t.stats.Items.Add(-1)
		return true, nil
	}
	return false, nil
}

// Update performs an optimistic read-modify-write via Redis WATCH,
// generalizing the teacher's genstore pipelined-INCR shape: the
// current value is watched, the factory computes the next value, and
// the write is attempted in a transaction that aborts if the watched
// key changed — retried up to maxRetries times before reporting
// ok=false (conflict exhaustion).
func (t *Tier) Update(ctx context.Context, key, region string, factory cachekit.UpdateFactory, maxRetries int) (bool, cachekit.StoredItem, error) {
	c, err := t.client(ctx)
	if err != nil {
		return false, cachekit.StoredItem{}, err
	}
	itemKey := t.itemKey(key, region)

	if maxRetries <= 0 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		var next cachekit.StoredItem
		var ok bool
		var factoryErr error
		var existedBefore bool

		txf := func(tx *goredis.Tx) error {
			raw, getErr := tx.Get(ctx, itemKey).Bytes()
			var current cachekit.StoredItem
			exists := false
			switch {
			case errors.Is(getErr, goredis.Nil):
				exists = false
			case getErr != nil:
				return broker.Transient(getErr)
			default:
				decoded, decErr := envelope.Decode(raw)
				if decErr != nil {
					return cachekit.NewError(cachekit.KindSerializationError, "redis.update", decErr)
				}
				if envelope.Expired(decoded, time.Now()) {
					exists = false
				} else {
					current = decoded
					exists = true
				}
			}
			existedBefore = exists

			next, ok, factoryErr = factory(current, exists)
			if factoryErr != nil {
				return factoryErr
			}
			if !ok {
				return nil // caller aborted; nothing to commit
			}
			next = envelope.ResolveDefault(next, t.tcfg.DefaultExpirationMode, t.tcfg.DefaultExpirationTimeout)
			encoded, encErr := envelope.Encode(next)
			if encErr != nil {
				return cachekit.NewError(cachekit.KindSerializationError, "redis.update", encErr)
			}

			_, execErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, itemKey, encoded, ttlFor(next))
				pipe.SAdd(ctx, t.regionIndexKey(region), itemKey)
				return nil
			})
			return execErr
		}

		err := c.Watch(ctx, txf, itemKey)
		if factoryErr != nil {
			return false, cachekit.StoredItem{}, factoryErr
		}
		if err == nil {
			if !ok {
				return false, cachekit.StoredItem{}, nil
			}
			if !existedBefore {
				t.stats.Items.Add(1)
			}
			return true, next, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue // optimistic conflict; retry
		}
		return false, cachekit.StoredItem{}, broker.Transient(err)
	}
	return false, cachekit.StoredItem{}, nil // conflict exhaustion
}

func (t *Tier) Clear(ctx context.Context) error {
	t.stats.ClearCalls.Add(1)
	c, err := t.client(ctx)
	if err != nil {
		return err
	}
	return t.scanDelete(ctx, c, t.tcfg.KeyPrefix+"*")
}

func (t *Tier) ClearRegion(ctx context.Context, region string) error {
	t.stats.ClearRegionCalls.Add(1)
	c, err := t.client(ctx)
	if err != nil {
		return err
	}
	idxKey := t.regionIndexKey(region)
	members, err := c.SMembers(ctx, idxKey).Result()
	if err != nil {
		return broker.Transient(err)
	}
	if len(members) > 0 {
		if err := c.Del(ctx, members...).Err(); err != nil {
			return broker.Transient(err)
		}
	}
	_ = c.Del(ctx, idxKey).Err()
	return nil
}

func (t *Tier) scanDelete(ctx context.Context, c goredis.UniversalClient, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return broker.Transient(err)
		}
		if len(keys) > 0 {
			if err := c.Del(ctx, keys...).Err(); err != nil {
				return broker.Transient(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// String implements fmt.Stringer for diagnostics.
func (t *Tier) String() string { return fmt.Sprintf("redis.Tier{name=%s}", t.name) }
