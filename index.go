// Package blockindex is the public facade of an external, sorted
// secondary index built as a chain of key-ordered map blocks over a
// remote key-value store (spec.md §1–§2). It wires together a store
// adapter (internal/store), an advisory lock manager
// (internal/lock), a block id allocator (internal/idalloc), the
// block-chain engine (internal/chain), and the range-scan engine
// (internal/scan) into one generic API keyed by a caller-chosen,
// totally ordered sort key type K.
package blockindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/idalloc"
	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/scan"
	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

// Ordered re-exports the set of permitted sort key types, so callers
// never need to import internal/chain directly.
type Ordered = chain.Ordered

// Index is one block chain's public handle, generic over the sort
// key type K (spec §2).
type Index[K Ordered] struct {
	st    store.Store
	locks *lock.Manager
	ids   *idalloc.Allocator
	chain *chain.Engine
	scan  *scan.Engine
	opts  Options
	log   *zap.Logger
}

// NewIndex builds an Index backed by st.
func NewIndex[K Ordered](st store.Store, log *zap.Logger, opts ...Option) *Index[K] {
	if log == nil {
		log = zap.NewNop()
	}
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	o.setDefaults()

	locks := lock.NewManager(st, log)
	ids := idalloc.New(st, log)
	chainEngine := chain.NewEngine(st, locks, ids, log, o.chainConfig())
	scanEngine := scan.NewEngine(chainEngine, log)

	return &Index[K]{st: st, locks: locks, ids: ids, chain: chainEngine, scan: scanEngine, opts: o, log: log.Named("blockindex")}
}

// Put inserts or overwrites the record at key k under parent p, with
// the given bins and TTL (spec §4.4; zero TTL uses the Index's
// DefaultTTL). The owned data record and the index entry are written
// in that order — data first, then the index pointer to it — so a
// reader that observes the new index entry can always find the data
// it points to (spec §3 invariant 2's "no dangling index entry").
func (ix *Index[K]) Put(ctx context.Context, p Key, k K, bins map[string]any, ttl time.Duration) error {
	pk, err := p.toParentKey()
	if err != nil {
		return err
	}
	encodedK := chain.EncodeKey(k)
	dataKey := ix.chain.DataKey(pk, encodedK)
	digest := chain.DigestKey(dataKey)
	expiryMs, ttlSeconds := ix.resolveTTL(ttl)

	if err := ix.st.Put(ctx, dataKey, bins, ttlSeconds); err != nil {
		return fmt.Errorf("blockindex: put data record: %w", err)
	}
	if err := ix.chain.Insert(ctx, pk, encodedK, expiryMs, digest); err != nil {
		return fmt.Errorf("blockindex: put index entry: %w", err)
	}
	return nil
}

// Put2Key indexes k under parent p while pointing at an independently
// owned data record (spec §3's two-key mode, supplementing the
// distilled spec with original_source's Put2Key entry point): no data
// record is written or ever deleted by this Index, only the index
// entry referencing altDataKey's digest.
func (ix *Index[K]) Put2Key(ctx context.Context, p Key, k K, altDataKey Key, ttl time.Duration) error {
	pk, err := p.toParentKey()
	if err != nil {
		return err
	}
	altKey, err := storeKeyOf(altDataKey)
	if err != nil {
		return err
	}
	encodedK := chain.EncodeKey(k)
	digest := chain.DigestKey(altKey)
	expiryMs, _ := ix.resolveTTL(ttl)

	if err := ix.chain.Insert(ctx, pk, encodedK, expiryMs, digest); err != nil {
		return fmt.Errorf("blockindex: put2key index entry: %w", err)
	}
	return nil
}

func (ix *Index[K]) resolveTTL(ttl time.Duration) (expiryMs int64, ttlSeconds int64) {
	if ttl <= 0 {
		ttl = ix.opts.DefaultTTL
	}
	if ttl <= 0 {
		return chain.NoExpiry, 0
	}
	return store.NowMillis() + ttl.Milliseconds(), int64(ttl.Seconds())
}

// Get returns the data bins stored at (p, k), or ErrNotFound if there
// is no live entry (spec §4.4's read path, TTL-aware per spec §3
// invariant 5). Reads never lock.
func (ix *Index[K]) Get(ctx context.Context, p Key, k K) (map[string]any, error) {
	pk, err := p.toParentKey()
	if err != nil {
		return nil, err
	}
	encodedK := chain.EncodeKey(k)
	_, ok, err := ix.chain.Get(ctx, pk, encodedK)
	if err != nil {
		return nil, fmt.Errorf("blockindex: get: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	dataKey := ix.chain.DataKey(pk, encodedK)
	bins, err := ix.st.Get(ctx, dataKey)
	if err != nil {
		if isStoreNotFound(err) {
			// Orphaned index entry (e.g. the data record's own TTL
			// expired independently, or a crash left Put half-done
			// before this library's ordering guarantee was restored by
			// a prior version) — treat like any other miss rather than
			// surfacing a store-level error to the caller.
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blockindex: get data record: %w", err)
	}
	return bins, nil
}

// Delete removes (p, k)'s index entry and, unless it was inserted via
// Put2Key, its owned data record (spec §4.6). found reports whether
// an entry existed.
func (ix *Index[K]) Delete(ctx context.Context, p Key, k K) (found bool, err error) {
	pk, err := p.toParentKey()
	if err != nil {
		return false, err
	}
	encodedK := chain.EncodeKey(k)
	found, err = ix.chain.Delete(ctx, pk, encodedK)
	if err != nil {
		return false, fmt.Errorf("blockindex: delete: %w", err)
	}
	if !found {
		return false, nil
	}
	dataKey := ix.chain.DataKey(pk, encodedK)
	if _, err := ix.st.Delete(ctx, dataKey); err != nil && !isStoreNotFound(err) {
		ix.log.Warn("delete: data record cleanup failed", zap.Error(err))
	}
	return true, nil
}

func isStoreNotFound(err error) bool { return errors.Is(err, store.ErrKeyNotFound) }
