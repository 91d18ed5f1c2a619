package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockindex/blockindex/internal/store"
)

// routeBlock answers spec §4.3's "which block owns encodedK" question:
// the floor entry of R(P) at or below encodedK, i.e. the last block
// whose minKey is <= encodedK. Returns store.ErrKeyNotFound if R(P)
// doesn't exist yet (chain never initialized).
//
// search() (internal/store/mapdata.go) reports the *ceiling* insertion
// index when encodedK isn't an exact match, so a relative-range read
// with Offset: 0 only ever lands on encodedK itself or the next key
// above it — never the predecessor. An exact getByKey is issued
// alongside the relative range so an exact match (Offset 0 would be
// correct for that case) is preferred, and Offset: -1 covers the
// not-found case by stepping back from the ceiling to the true floor.
func (e *Engine) routeBlock(ctx context.Context, p ParentKey, encodedK string) (blockID int64, minKey string, err error) {
	results, err := e.st.Operate(ctx, e.rootKey(p),
		store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapGetByKey, Key: encodedK},
		store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapGetByKeyRelativeIndexRange, Key: encodedK, Offset: -1, Count: 1},
	)
	if err != nil {
		return 0, "", err
	}

	var entry store.MapEntry
	if exact := results[0]; exact.Found {
		entry = store.MapEntry{Key: encodedK, Value: exact.Value}
	} else {
		entries := results[1].Entries
		if len(entries) == 0 {
			// R(P) exists but holds no entries. A key that sorts below
			// every minKey does not land here: the relative range clamps
			// to the first entry, so only an empty root map gets here.
			return 0, "", fmt.Errorf("chain: no block covers key (root map empty or corrupt): %w", store.ErrKeyNotFound)
		}
		entry = entries[0]
	}

	id, ok := rootValue(entry.Value)
	if !ok {
		return 0, "", fmt.Errorf("chain: malformed root map entry for key %q", entry.Key)
	}
	return id, entry.Key, nil
}

// ensureRoot makes sure R(P) exists and contains at least the head
// block's minKey entry, creating it on first use (spec §4.4's
// "initializeBlocks", the root-map half). Idempotent under races: a
// concurrent initializer's CreateRecord losing the race just falls
// through to the plain put, which is itself idempotent.
func (e *Engine) ensureRoot(ctx context.Context, p ParentKey, minKey string, blockID int64) error {
	rk := e.rootKey(p)
	_, err := e.st.CreateRecord(ctx, rk, nil, store.Op{
		Bin: e.cfg.RootMapBin, Kind: store.OpMapPut, Key: minKey, Value: float64(blockID),
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrKeyExists) {
		_, err = e.st.Operate(ctx, rk, store.Op{
			Bin: e.cfg.RootMapBin, Kind: store.OpMapPut, Key: minKey, Value: float64(blockID),
		})
		return err
	}
	return err
}

// initializeChain creates the permanent head block B(P,1) the first
// time anything is inserted under P (spec §4.4). CREATE_ONLY makes
// this safe under concurrent first-insert races: exactly one caller's
// CreateRecord succeeds, everyone else falls through to ordinary
// routing against the now-existing head.
func (e *Engine) initializeChain(ctx context.Context, p ParentKey) error {
	bk := e.blockKey(p, HeadBlockID)
	_, err := e.st.CreateRecord(ctx, bk, map[string]any{
		e.cfg.BlockMapNextBin: "",
		e.cfg.BlockMapPrevBin: "",
	})
	if err != nil && !errors.Is(err, store.ErrKeyExists) {
		return fmt.Errorf("chain: initialize head block: %w", err)
	}
	// The head's minKey is the lowest key this chain can ever route to
	// (spec §4.3's routing floor requires one root entry at or below
	// any key that will ever be inserted), so it's pinned to rootFloor,
	// which string-sorts below every EncodeKey output.
	if err := e.ensureRoot(ctx, p, rootFloor, HeadBlockID); err != nil {
		return fmt.Errorf("chain: initialize root map: %w", err)
	}
	return nil
}
