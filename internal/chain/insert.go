package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

// Insert adds (or overwrites) the index entry for encodedK in the
// block chain rooted at p, splitting the owning block afterward if it
// now exceeds MaxElementsPerBlock (spec §4.4). expiryMs is NoExpiry
// for an entry that never expires (spec §3 invariant 5).
func (e *Engine) Insert(ctx context.Context, p ParentKey, encodedK string, expiryMs int64, digest string) error {
	blockID, err := e.routeOrInit(ctx, p, encodedK)
	if err != nil {
		return fmt.Errorf("chain: insert: %w", err)
	}

	owner := lock.NewOwnerID(newTaskID())
	value := blockValue{ExpiryMs: expiryMs, Digest: digest}.encode()

	results, err := e.locks.WithLock(ctx, e.blockKey(p, blockID), e.cfg.LockBin, owner, e.cfg.MaxLockTimeMs, 10*e.cfg.MaxLockTimeMs, []store.Op{
		{Bin: e.cfg.BlockMapBin, Kind: store.OpMapSize},
		{Bin: e.cfg.BlockMapBin, Kind: store.OpMapPut, Key: encodedK, Value: value, ReturnIndex: true},
		{Bin: e.cfg.BlockMapBin, Kind: store.OpMapSize},
	})
	if err != nil {
		return fmt.Errorf("chain: insert into block %d: %w", blockID, err)
	}

	originalCount := results[0].Size
	insertedIndex := results[1].Index
	size := results[2].Size

	if insertedIndex == 0 && originalCount > 0 && blockID != HeadBlockID {
		// encodedK became this block's new minimum: R(P)'s entry for
		// blockID must move down to match (spec §4.4 step 5), as its
		// own atomic pair against the root record — removeByValue(id)
		// then put(encodedK->id) — separate from the block's own
		// op-list above since the two live in different records. The
		// head keeps its rootFloor entry (see initializeChain).
		if _, err := e.st.Operate(ctx, e.rootKey(p),
			store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapRemoveByValueRange, ValueMin: float64(blockID), ValueMax: float64(blockID)},
			store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapPut, Key: encodedK, Value: float64(blockID)},
		); err != nil {
			return fmt.Errorf("chain: insert: update root map minimum for block %d: %w", blockID, err)
		}
	}

	if size <= e.cfg.MaxElementsPerBlock {
		return nil
	}

	if err := e.split(ctx, p, blockID); err != nil {
		// The insert itself already committed; a failed split just
		// leaves an oversized block behind for the next insert (or an
		// operator running Rebuild) to retry splitting, so it's logged
		// rather than surfaced as the insert's own error.
		e.log.Warn("split after insert failed, block left oversized", zap.Int64("block", blockID), zap.Error(err))
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrKeyNotFound) }

// routeOrInit routes encodedK to its owning block, initializing the
// chain on the very first insert ever made under p.
func (e *Engine) routeOrInit(ctx context.Context, p ParentKey, encodedK string) (int64, error) {
	id, _, err := e.routeBlock(ctx, p, encodedK)
	if err == nil {
		return id, nil
	}
	if !isNotFound(err) {
		return 0, err
	}
	if err := e.initializeChain(ctx, p); err != nil {
		return 0, err
	}
	id, _, err = e.routeBlock(ctx, p, encodedK)
	if err != nil {
		return 0, err
	}
	return id, nil
}
