// Package chain implements the distributed B+tree-like block chain
// described in spec.md §3–§4: a doubly-linked list of key-ordered map
// blocks per parent key, a root summary map, and the algorithms for
// insert, delete, split, empty-block removal, and rebuild.
//
// This is the "hard engineering" part of the library (spec.md §1):
// keeping the chain structurally consistent under concurrent
// insert/delete/split without a global transaction, using only
// per-record atomic store ops (internal/store) and per-record
// advisory locks (internal/lock).
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/blockindex/blockindex/internal/idalloc"
	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

// HeadBlockID is the permanently reserved id of the first block of
// every parent's chain (spec §3, invariant 1).
const HeadBlockID int64 = 1

// NoExpiry is the sentinel expiryEpochMs meaning "never expires"
// (spec §3 invariant 5).
const NoExpiry = math.MaxInt64

// ErrInvalidArgument is spec §7's ConfigurationError: thrown
// synchronously, never retried.
var ErrInvalidArgument = errors.New("chain: invalid argument")

// ParentKey identifies the parent record P that owns one block
// chain. UserKey must already be validated as a string or integer
// per spec §6 and passed through as its string form.
type ParentKey struct {
	Namespace string
	Set       string
	UserKey   string
}

// Config mirrors spec §6's enumerated configuration options, scoped to
// what the block-chain engine itself needs (the facade owns the full
// Options type and translates into this).
type Config struct {
	RootMapNamespace string // empty => same as P.Namespace
	RootMapSet       string // empty => P.Set + "-meta"
	RootMapBin       string // default "map"
	BlockMapBin      string // default "map"
	BlockMapNextBin  string // default "next"
	BlockMapPrevBin  string // default "prev"
	LockBin          string // default "lck"
	MaxElementsPerBlock int // default 10000
	MaxLockTimeMs       int64 // default 100
}

func (c *Config) setDefaults() {
	if c.RootMapBin == "" {
		c.RootMapBin = "map"
	}
	if c.BlockMapBin == "" {
		c.BlockMapBin = "map"
	}
	if c.BlockMapNextBin == "" {
		c.BlockMapNextBin = "next"
	}
	if c.BlockMapPrevBin == "" {
		c.BlockMapPrevBin = "prev"
	}
	if c.LockBin == "" {
		c.LockBin = "lck"
	}
	if c.MaxElementsPerBlock <= 0 {
		c.MaxElementsPerBlock = 10000
	}
	if c.MaxLockTimeMs <= 0 {
		c.MaxLockTimeMs = 100
	}
}

// Engine implements the block-chain algorithms of spec §4.3–§4.6, §4.8.
type Engine struct {
	st    store.Store
	locks *lock.Manager
	ids   *idalloc.Allocator
	log   *zap.Logger
	cfg   Config
}

// NewEngine returns a ready-to-use Engine.
func NewEngine(st store.Store, locks *lock.Manager, ids *idalloc.Allocator, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Engine{st: st, locks: locks, ids: ids, log: log.Named("chain"), cfg: cfg}
}

// --- record key derivations (spec §6, "Persisted key layout") ---

func (e *Engine) rootKey(p ParentKey) store.Key {
	ns := e.cfg.RootMapNamespace
	if ns == "" {
		ns = p.Namespace
	}
	set := e.cfg.RootMapSet
	if set == "" {
		set = p.Set + "-meta"
	}
	return store.Key{Namespace: ns, Set: set, UserKey: Digest(p)}
}

func (e *Engine) counterKey(p ParentKey) store.Key {
	return store.Key{Namespace: p.Namespace, Set: p.Set + "-meta", UserKey: Digest(p)}
}

func (e *Engine) blockKey(p ParentKey, id int64) store.Key {
	return store.Key{Namespace: p.Namespace, Set: p.Set + "-meta", UserKey: fmt.Sprintf("%s-%d", p.UserKey, id)}
}

// DataKey is the key of one (P, K) child data record.
func (e *Engine) DataKey(p ParentKey, encodedK string) store.Key {
	return store.Key{Namespace: p.Namespace, Set: p.Set + "-subkeys", UserKey: fmt.Sprintf("%s-%s", p.UserKey, encodedK)}
}

// Digest is the store's content-independent record identifier,
// standing in for Aerospike's RIPEMD digest — here a truncated SHA-256
// of the parent key, used as the user key of both C(P)'s counter
// record and R(P)'s root record (spec §6).
func Digest(p ParentKey) string {
	return DigestKey(store.Key{Namespace: p.Namespace, Set: p.Set, UserKey: p.UserKey})
}

// DigestKey hashes an arbitrary store key. Its result is the digest a
// block entry stores: of the owned data record for Put, and of the
// alternate data key for the two-key mode (spec §3, §6 Put2Key).
func DigestKey(k store.Key) string {
	sum := sha256.Sum256([]byte(k.Namespace + "/" + k.Set + "/" + k.UserKey))
	return hex.EncodeToString(sum[:16])
}

// blockValue is the decoded form of a block map entry's value,
// spec §3's [expiryEpochMs, digest] pair.
type blockValue struct {
	ExpiryMs int64
	Digest   string
}

func (b blockValue) encode() []any { return []any{float64(b.ExpiryMs), b.Digest} }

func decodeBlockValue(v any) (blockValue, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return blockValue{}, false
	}
	var expiry int64
	switch n := arr[0].(type) {
	case float64:
		// NoExpiry is not exactly representable as a float64 and comes
		// back from the store's JSON round trip as 2^63.
		if n >= math.MaxInt64 {
			expiry = NoExpiry
		} else {
			expiry = int64(n)
		}
	case int64:
		expiry = n
	default:
		return blockValue{}, false
	}
	digest, ok := arr[1].(string)
	if !ok {
		return blockValue{}, false
	}
	return blockValue{ExpiryMs: expiry, Digest: digest}, true
}

// rootValue decodes a root-map entry's blockId value, tolerating both
// a plain number and the single-element-array shape spec §9 warns an
// Aerospike CDT INDEX op can return on some server versions — this
// store never produces that shape itself, but callers combining this
// library with another store adapter might, so decoding is lenient.
func rootValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case []any:
		if len(n) == 1 {
			return rootValue(n[0])
		}
	}
	return 0, false
}

func ownerID() string { return lock.NewOwnerID(newTaskID()) }

var taskCounterCh = make(chan int64, 1)

func init() { taskCounterCh <- 0 }

// newTaskID hands out a process-unique, monotonically increasing tag,
// paired with lock.NewOwnerID to build the full ownerId of spec §4.1.
// Each locked step (insert, delete, split, removeEmptyBlock) draws its
// own tag, so a split triggered by an insert runs under a different
// owner id than the insert itself.
func newTaskID() string {
	n := <-taskCounterCh
	n++
	taskCounterCh <- n
	return fmt.Sprintf("t%d", n)
}
