package broker

import (
	"context"
	"fmt"
)

// FeatureSet describes what a connected peer (or a declared/assumed
// version, under strict-compatibility or sharding-proxy modes) supports.
// It is returned by Supervisor.Features; cachekit's Manager does not
// consult it.
type FeatureSet struct {
	// Version is the peer's self-reported version string, or
	// cfg.DeclaredVersion under StrictCompatibilityMode.
	Version string

	// SupportsPipelining indicates the peer accepts pipelined commands.
	SupportsPipelining bool
	// SupportsServerSideTTL indicates the peer can expire keys itself
	// rather than the Tier enforcing expiration client-side.
	SupportsServerSideTTL bool
}

// conservativeFeatureSet is returned for a sharding proxy, which may
// front heterogeneous backend versions; cachekit degrades to the
// lowest common denominator rather than risk a proxied command a given
// shard doesn't support.
var conservativeFeatureSet = FeatureSet{
	SupportsPipelining:    false,
	SupportsServerSideTTL: true,
}

// Prober probes an established Conn for its feature set. A concrete
// Dialer (broker/redis, ...) implements this alongside Dialer.
type Prober interface {
	Probe(ctx context.Context, conn Conn) (FeatureSet, error)
}

// Features resolves the FeatureSet for cfg, short-circuiting per
// spec.md §4.2:
//   - StrictCompatibilityMode: return the feature set implied by
//     cfg.DeclaredVersion without touching the network.
//   - ShardingProxy: return a conservative default without probing.
//   - Otherwise: Connect (reusing any existing connection) and probe.
func (s *Supervisor) Features(ctx context.Context, cfg Config, declaredVersions map[string]FeatureSet, prober Prober) (FeatureSet, error) {
	if cfg.StrictCompatibilityMode {
		if fs, ok := declaredVersions[cfg.DeclaredVersion]; ok {
			return fs, nil
		}
		return FeatureSet{Version: cfg.DeclaredVersion}, nil
	}
	if cfg.ShardingProxy {
		return conservativeFeatureSet, nil
	}

	conn, err := s.Connect(ctx, cfg)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("%w: %w", ErrNoConnectedServer, err)
	}
	if conn == nil {
		return FeatureSet{}, ErrNoConnectedServer
	}
	return prober.Probe(ctx, conn)
}
