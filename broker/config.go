package broker

import (
	"regexp"
)

// Config describes how to reach the shared broker. ConnectionString is
// opaque to the Supervisor beyond connection-map keying and credential
// redaction; a concrete Dialer (e.g. broker/redis) interprets it.
type Config struct {
	ConnectionString string

	// StrictCompatibilityMode, when set, makes Features return the
	// feature set of DeclaredVersion without probing any endpoint.
	StrictCompatibilityMode bool
	DeclaredVersion         string

	// ShardingProxy marks a deployment fronted by a sharding proxy
	// (e.g. a proxy that multiplexes many backend shards); Features
	// returns a conservative default rather than probing, since a proxy
	// may not expose a single coherent peer version.
	ShardingProxy bool
}

var passwordFragment = regexp.MustCompile(`(?i)password=[^,]*`)

// RedactConnectionString scrubs any "password=…" fragment from a
// connection string up to the next comma, case-insensitively, per
// spec.md §4.2. Exposed publicly so hosts logging connection strings
// themselves get the same scrubbing the Supervisor applies internally.
func RedactConnectionString(s string) string {
	return passwordFragment.ReplaceAllString(s, "password=***")
}
