package blockindex

import (
	"time"

	"github.com/blockindex/blockindex/internal/chain"
)

// Options configures an Index (spec.md §6's enumerated configuration
// surface), following the functional-options-with-setDefaults pattern
// the rest of this ecosystem uses for client configuration.
type Options struct {
	// RootMapNamespace overrides the namespace R(P) lives in; empty
	// means the same namespace as the parent key P.
	RootMapNamespace string
	// RootMapSet overrides the set name R(P) lives in; empty means
	// P's set with a "-meta" suffix.
	RootMapSet string

	// MaxElementsPerBlock caps a block's size before it's split
	// (spec §4.5). Default 10000.
	MaxElementsPerBlock int

	// LockLeaseMs is how long a write holds its advisory lock before
	// another writer may treat it as abandoned (spec §4.1). Default 100ms.
	LockLeaseMs int64
	// LockTimeoutMs is kept in Options (default 10x LockLeaseMs) but is
	// not passed to the block-chain engine: writes retry against
	// contention for 10x LockLeaseMs before giving up with ErrTimeout,
	// whatever this field holds.
	LockTimeoutMs int64

	// DefaultTTL is applied to a Put's data record when the call site
	// doesn't specify one. Zero means "no expiry".
	DefaultTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxElementsPerBlock <= 0 {
		o.MaxElementsPerBlock = 10000
	}
	if o.LockLeaseMs <= 0 {
		o.LockLeaseMs = 100
	}
	if o.LockTimeoutMs <= 0 {
		o.LockTimeoutMs = 10 * o.LockLeaseMs
	}
}

func (o Options) chainConfig() chain.Config {
	return chain.Config{
		RootMapNamespace:    o.RootMapNamespace,
		RootMapSet:          o.RootMapSet,
		MaxElementsPerBlock: o.MaxElementsPerBlock,
		MaxLockTimeMs:       o.LockLeaseMs,
	}
}

// Option mutates an Options during NewIndex.
type Option func(*Options)

// WithMaxElementsPerBlock overrides the block split threshold.
func WithMaxElementsPerBlock(n int) Option {
	return func(o *Options) { o.MaxElementsPerBlock = n }
}

// WithLockLease overrides how long a write's advisory lock lease lasts.
func WithLockLease(d time.Duration) Option {
	return func(o *Options) { o.LockLeaseMs = d.Milliseconds() }
}

// WithLockTimeout sets Options.LockTimeoutMs, which the block-chain
// engine does not read (see LockTimeoutMs).
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.LockTimeoutMs = d.Milliseconds() }
}

// WithDefaultTTL overrides the TTL applied to Put calls that don't
// specify their own.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *Options) { o.DefaultTTL = d }
}

// WithRootMapLocation overrides where R(P) is stored.
func WithRootMapLocation(namespace, set string) Option {
	return func(o *Options) { o.RootMapNamespace = namespace; o.RootMapSet = set }
}
