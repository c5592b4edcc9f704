package cachekit

import (
	"time"

	"github.com/go-cachekit/cachekit/backplane"
	"github.com/go-cachekit/cachekit/codec"
	"github.com/go-cachekit/cachekit/observer"
)

// Options configures a Manager[V] at construction.
type Options[V any] struct {
	// Tiers is the ordered tier list: index 0 is fastest/topmost, the
	// last index is bottommost/authoritative, per spec.md §3.
	Tiers []Tier

	// Codec encodes/decodes V to/from the bytes tiers persist. Required.
	Codec codec.Codec[V]

	// Logger receives diagnostic output from the Manager, its observer
	// fan-out, and the Backplane (if configured). The Manager does not
	// pass it to any broker.Supervisor. Defaults to NopLogger.
	Logger Logger

	// Observers receive the Manager's seven lifecycle events. A nil
	// slice disables observation entirely (not an error).
	Observers []observer.Listener

	// Backplane, if non-nil, configures cross-process invalidation.
	// The Manager constructs and owns the Backplane itself — its
	// InboundHandler field is overwritten with the Manager's own
	// dispatch, so any value set there by the caller is ignored.
	Backplane *backplane.Options

	// DefaultExpirationMode/DefaultExpirationTimeout set the expiration
	// of the item Update creates for a key that didn't previously exist.
	// Items written by Add/Put with ExpirationDefault keep that mode, and
	// each tier resolves it with its own defaults.
	DefaultExpirationMode    ExpirationMode
	DefaultExpirationTimeout time.Duration

	// MaxUpdateRetries is the default maxRetries used when a caller
	// passes <= 0 to Update. Defaults to 3.
	MaxUpdateRetries int
}
