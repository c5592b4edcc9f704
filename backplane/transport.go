package backplane

import "context"

// Transport is the pub/sub contract the Backplane is built on: a shared
// broker channel it can publish frames onto and subscribe to. Networking
// to the broker itself is out of scope for cachekit (spec.md §1) — this
// interface is the boundary, and the caller supplies the implementation.
// broker.Conn does not implement it, and this module ships no
// implementation of it.
type Transport interface {
	// Publish sends one opaque frame on channel. Errors are the
	// transport's own (network, broker) errors; the Backplane logs and
	// swallows them per spec.md §4.3 ("errors are logged, not thrown to
	// the caller").
	Publish(ctx context.Context, channel string, frame []byte) error
	// Subscribe returns a channel of raw frames received on channel.
	// The returned channel is closed when the subscription ends
	// (context cancellation or transport shutdown).
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
