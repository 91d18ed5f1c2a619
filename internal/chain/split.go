package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

// split halves an oversized block per spec §4.5, in the specific
// write order that keeps the chain readable from any crash point:
//
//  1. allocate a new block id and create the second half (upper
//     elements) as a brand-new record whose next is the old block's
//     next and whose prev is the old block — readers that don't yet
//     know about it simply won't route to it.
//  2. publish the new block's minKey into R(P) — from this instant a
//     reader routing a key in the upper half finds the new block.
//  3. shrink the first half in place, removing the elements that now
//     live in the new block, and point its next at the new block.
//  4. patch the old next neighbor's prev pointer to the new block.
//
// A crash between any two steps leaves the chain in a state where
// every key is still reachable through R(P) — steps 3 and 4 are
// idempotent cleanup, not structural changes, so Rebuild (§4.8) can
// always repair a half-finished split.
func (e *Engine) split(ctx context.Context, p ParentKey, blockID int64) error {
	owner := lock.NewOwnerID(newTaskID())
	blockKey := e.blockKey(p, blockID)

	if err := e.locks.AcquireLock(ctx, blockKey, e.cfg.LockBin, owner, e.cfg.MaxLockTimeMs, 10*e.cfg.MaxLockTimeMs); err != nil {
		return fmt.Errorf("chain: split: acquire lock on block %d: %w", blockID, err)
	}
	defer func() {
		if _, err := e.locks.Release(ctx, blockKey, e.cfg.LockBin, owner); err != nil {
			e.log.Warn("split: release lock failed", zap.Int64("block", blockID), zap.Error(err))
		}
	}()

	results, err := e.st.Operate(ctx, blockKey,
		store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapGetByIndexRange, Offset: 0, Count: -1},
		store.Op{Bin: e.cfg.BlockMapNextBin, Kind: store.OpBinGet},
	)
	if err != nil {
		return fmt.Errorf("chain: split: read block %d: %w", blockID, err)
	}
	entries := results[0].Entries
	if len(entries) <= e.cfg.MaxElementsPerBlock {
		// Someone else already split this block (or it shrank below
		// the threshold via deletes) between the size check and here;
		// nothing to do.
		return nil
	}
	next, _ := results[1].Value.(string)

	mid := (len(entries) + 1) / 2
	upper := entries[mid:]
	lower := entries[:mid]
	newMinKey := upper[0].Key

	// Step 1: create the second half as an independent record. The
	// create is CREATE_ONLY: an allocated id whose block record already
	// exists (the counter's first value, 1, is the head) is skipped and
	// another id is allocated.
	var newID int64
	for {
		newID, err = e.ids.Allocate(ctx, e.counterKey(p))
		if err != nil {
			return fmt.Errorf("chain: split: allocate new block id: %w", err)
		}
		_, err = e.st.CreateRecord(ctx, e.blockKey(p, newID), map[string]any{
			e.cfg.BlockMapNextBin: next,
			e.cfg.BlockMapPrevBin: store.FormatInt64(blockID),
		}, store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapPutItems, Items: toMapEntries(upper)})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrKeyExists) {
			return fmt.Errorf("chain: split: create new block %d: %w", newID, err)
		}
	}

	// Step 2: publish the split point into R(P). Once this lands,
	// every future routeBlock call for a key >= newMinKey finds newID.
	if err := e.ensureRoot(ctx, p, newMinKey, newID); err != nil {
		return fmt.Errorf("chain: split: publish root entry: %w", err)
	}

	// Step 3: shrink the original block down to its lower half.
	_, err = e.st.Operate(ctx, blockKey,
		store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapClear},
		store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapPutItems, Items: toMapEntries(lower)},
		store.Op{Bin: e.cfg.BlockMapNextBin, Kind: store.OpBinPut, Value: store.FormatInt64(newID)},
	)
	if err != nil {
		return fmt.Errorf("chain: split: shrink block %d: %w", blockID, err)
	}

	// Step 4: patch the old next neighbor's prev pointer to the new block.
	if next != "" {
		nextID, perr := store.ParseInt64(next)
		if perr != nil {
			return fmt.Errorf("chain: split: parse next pointer: %w", perr)
		}
		_, err = e.st.Operate(ctx, e.blockKey(p, nextID),
			store.Op{Bin: e.cfg.BlockMapPrevBin, Kind: store.OpBinPut, Value: store.FormatInt64(newID)},
		)
		if err != nil {
			return fmt.Errorf("chain: split: patch next neighbor %s: %w", next, err)
		}
	}

	e.log.Info("split block", zap.Int64("from", blockID), zap.Int64("to", newID), zap.Int("lower", len(lower)), zap.Int("upper", len(upper)))
	return nil
}

func toMapEntries(entries []store.MapEntry) []store.MapEntry {
	out := make([]store.MapEntry, len(entries))
	copy(out, entries)
	return out
}
