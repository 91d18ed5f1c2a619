package chain

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/store"
)

// The following methods expose just enough of Engine's internals for
// internal/scan to walk block records directly, without duplicating
// this package's key derivation or bin-naming conventions.

// RouteBlock is the exported form of routeBlock, for scan's starting-
// point lookup.
func (e *Engine) RouteBlock(ctx context.Context, p ParentKey, encodedK string) (blockID int64, minKey string, err error) {
	return e.routeBlock(ctx, p, encodedK)
}

// TailBlockID walks the chain to its last block, for a backward scan
// with no explicit starting key.
func (e *Engine) TailBlockID(ctx context.Context, p ParentKey) (int64, error) {
	id := HeadBlockID
	for {
		results, err := e.st.Operate(ctx, e.blockKey(p, id), store.Op{Bin: e.cfg.BlockMapNextBin, Kind: store.OpBinGet})
		if err != nil {
			return 0, fmt.Errorf("chain: tail: read block %d: %w", id, err)
		}
		next, _ := results[0].Value.(string)
		if next == "" {
			return id, nil
		}
		id, err = store.ParseInt64(next)
		if err != nil {
			return 0, err
		}
	}
}

// OperateBlock runs ops directly against B(P,id), for read-only scan
// traversal that doesn't need locking (spec §4.1: only writers lock).
func (e *Engine) OperateBlock(ctx context.Context, p ParentKey, id int64, ops ...store.Op) ([]store.Result, error) {
	return e.st.Operate(ctx, e.blockKey(p, id), ops...)
}

// BlockBins reports the bin names this Engine was configured with, so
// callers composing their own Ops against OperateBlock use the same
// names this Engine does.
func (e *Engine) BlockBins() (mapBin, nextBin, prevBin string) {
	return e.cfg.BlockMapBin, e.cfg.BlockMapNextBin, e.cfg.BlockMapPrevBin
}

// DecodeBlockValue exposes the block map's value decoding for
// callers outside the package (internal/scan).
func DecodeBlockValue(v any) (expiryMs int64, digest string, ok bool) {
	bv, ok := decodeBlockValue(v)
	return bv.ExpiryMs, bv.Digest, ok
}
