package chain

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/store"
)

// Entry is the decoded form of one index entry, returned to callers
// that need the expiry/digest pair rather than just existence.
type Entry struct {
	ExpiryMs int64
	Digest   string
}

// Get looks up encodedK's index entry without taking any lock — reads
// are lock-free throughout this library (spec §4.1 only protects
// writers). ok is false if the chain has no entry for encodedK, or if
// the entry is present but expired (spec §3 invariant 5's TTL
// filtering, supplementing the distilled spec with expiry-aware Get).
func (e *Engine) Get(ctx context.Context, p ParentKey, encodedK string) (entry Entry, ok bool, err error) {
	blockID, _, err := e.routeBlock(ctx, p, encodedK)
	if err != nil {
		if isNotFound(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("chain: get: %w", err)
	}

	results, err := e.st.Operate(ctx, e.blockKey(p, blockID), store.Op{
		Bin: e.cfg.BlockMapBin, Kind: store.OpMapGetByKey, Key: encodedK,
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("chain: get from block %d: %w", blockID, err)
	}
	if !results[0].Found {
		return Entry{}, false, nil
	}
	bv, decOK := decodeBlockValue(results[0].Value)
	if !decOK {
		return Entry{}, false, fmt.Errorf("chain: malformed index entry for key in block %d", blockID)
	}
	if bv.ExpiryMs != NoExpiry && bv.ExpiryMs <= store.NowMillis() {
		return Entry{}, false, nil
	}
	return Entry{ExpiryMs: bv.ExpiryMs, Digest: bv.Digest}, true, nil
}
