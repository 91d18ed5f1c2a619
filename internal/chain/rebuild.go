package chain

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

// Report is RebuildRoot's outcome, supplementing spec §4.8 with the
// dry-run introspection original_source's maintenance tooling offers
// before committing a repair.
type Report struct {
	BlocksWalked     int
	MismatchedEntries int
	OrphanBlocks     int
	Repaired         bool
}

// ChainStats is read-only introspection over one parent's chain,
// supplementing spec §2 with the kind of health check an operator
// runs before deciding whether Rebuild is even needed.
type ChainStats struct {
	Blocks  int
	Entries int
}

// RebuildRoot walks the block chain's linked list from the permanent
// head and reconciles R(P) against what it finds (spec §4.8). In
// dry-run mode it only reports what's wrong; otherwise it rewrites
// R(P) to exactly match the walked chain.
func (e *Engine) RebuildRoot(ctx context.Context, p ParentKey, dryRun bool) (Report, error) {
	walked, err := e.walkChain(ctx, p)
	if err != nil {
		return Report{}, fmt.Errorf("chain: rebuild: walk chain: %w", err)
	}

	existing, err := e.readRootEntries(ctx, p)
	if err != nil && !isNotFound(err) {
		return Report{}, fmt.Errorf("chain: rebuild: read root map: %w", err)
	}
	existingByID := make(map[int64]string, len(existing))
	for _, ent := range existing {
		if id, ok := rootValue(ent.Value); ok {
			existingByID[id] = ent.Key
		}
	}

	report := Report{BlocksWalked: len(walked)}
	wantByID := make(map[int64]string, len(walked))
	for _, b := range walked {
		wantByID[b.id] = b.minKey
		if existingByID[b.id] != b.minKey {
			report.MismatchedEntries++
		}
	}
	for id := range existingByID {
		if _, ok := wantByID[id]; !ok {
			report.OrphanBlocks++
		}
	}

	if dryRun || (report.MismatchedEntries == 0 && report.OrphanBlocks == 0) {
		return report, nil
	}

	items := make([]store.MapEntry, 0, len(walked))
	for _, b := range walked {
		items = append(items, store.MapEntry{Key: b.minKey, Value: float64(b.id)})
	}
	_, err = e.st.Operate(ctx, e.rootKey(p),
		store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapClear},
		store.Op{Bin: e.cfg.RootMapBin, Kind: store.OpMapPutItems, Items: items},
	)
	if err != nil {
		return report, fmt.Errorf("chain: rebuild: rewrite root map: %w", err)
	}
	report.Repaired = true
	e.log.Info("rebuilt root map", zap.Int64("parent_digest_blocks", int64(report.BlocksWalked)),
		zap.Int("mismatched", report.MismatchedEntries), zap.Int("orphans", report.OrphanBlocks))
	return report, nil
}

// Stats walks the chain and reports its current size (supplementing
// spec §2 with read-only health introspection).
func (e *Engine) Stats(ctx context.Context, p ParentKey) (ChainStats, error) {
	walked, err := e.walkChain(ctx, p)
	if err != nil {
		return ChainStats{}, fmt.Errorf("chain: stats: %w", err)
	}
	stats := ChainStats{Blocks: len(walked)}
	for _, b := range walked {
		stats.Entries += b.size
	}
	return stats, nil
}

type walkedBlock struct {
	id     int64
	minKey string
	size   int
}

// walkChain follows next pointers from the head block to the tail,
// reading each block's element count and (for every block after the
// head) its first key, which is its minKey in R(P).
func (e *Engine) walkChain(ctx context.Context, p ParentKey) ([]walkedBlock, error) {
	var out []walkedBlock
	id := HeadBlockID
	first := true
	for {
		results, err := e.st.Operate(ctx, e.blockKey(p, id),
			store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapGetByIndexRange, Offset: 0, Count: 1},
			store.Op{Bin: e.cfg.BlockMapBin, Kind: store.OpMapSize},
			store.Op{Bin: e.cfg.BlockMapNextBin, Kind: store.OpBinGet},
		)
		if err != nil {
			if isNotFound(err) && first {
				return out, nil // chain never initialized
			}
			return nil, fmt.Errorf("walk block %d: %w", id, err)
		}

		minKey := rootFloor
		if !first && len(results[0].Entries) > 0 {
			minKey = results[0].Entries[0].Key
		}
		out = append(out, walkedBlock{id: id, minKey: minKey, size: results[1].Size})

		next, _ := results[2].Value.(string)
		if next == "" {
			return out, nil
		}
		nextID, err := store.ParseInt64(next)
		if err != nil {
			return nil, fmt.Errorf("walk chain: %w", err)
		}
		id = nextID
		first = false
	}
}

func (e *Engine) readRootEntries(ctx context.Context, p ParentKey) ([]store.MapEntry, error) {
	results, err := e.st.Operate(ctx, e.rootKey(p), store.Op{
		Bin: e.cfg.RootMapBin, Kind: store.OpMapGetByIndexRange, Offset: 0, Count: -1,
	})
	if err != nil {
		return nil, err
	}
	return results[0].Entries, nil
}
