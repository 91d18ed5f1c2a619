package chain_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/idalloc"
	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/store"
)

func newEngine(t *testing.T, maxPerBlock int) *chain.Engine {
	e, _ := newEngineWithStore(t, maxPerBlock)
	return e
}

func newEngineWithStore(t *testing.T, maxPerBlock int) (*chain.Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	locks := lock.NewManager(st, nil)
	ids := idalloc.New(st, nil)
	return chain.NewEngine(st, locks, ids, nil, chain.Config{MaxElementsPerBlock: maxPerBlock}), st
}

func parentKey(name string) chain.ParentKey {
	return chain.ParentKey{Namespace: "ns", Set: "set", UserKey: name}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	e := newEngine(t, 10000)
	p := parentKey("p1")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		k := chain.EncodeKey(i)
		if err := e.Insert(ctx, p, k, chain.NoExpiry, fmt.Sprintf("digest-%d", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := 0; i < 20; i++ {
		entry, ok, err := e.Get(ctx, p, chain.EncodeKey(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("get %d: not found", i)
		}
		if entry.Digest != fmt.Sprintf("digest-%d", i) {
			t.Fatalf("get %d: digest = %q", i, entry.Digest)
		}
	}

	if _, ok, err := e.Get(ctx, p, chain.EncodeKey(999)); err != nil || ok {
		t.Fatalf("get missing key: ok=%v err=%v", ok, err)
	}
}

func TestInsertSplitsOversizedBlock(t *testing.T) {
	e := newEngine(t, 4)
	p := parentKey("p-split")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := e.Insert(ctx, p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	stats, err := e.Stats(ctx, p)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Blocks <= 1 {
		t.Fatalf("stats.Blocks = %d, want > 1 after 50 inserts with max 4/block", stats.Blocks)
	}
	if stats.Entries != 50 {
		t.Fatalf("stats.Entries = %d, want 50", stats.Entries)
	}

	// every key must still be reachable after splitting
	for i := 0; i < 50; i++ {
		if _, ok, err := e.Get(ctx, p, chain.EncodeKey(i)); err != nil || !ok {
			t.Fatalf("get %d after split: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestDeleteOfMinimumKey(t *testing.T) {
	e := newEngine(t, 4)
	p := parentKey("p-del-min")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := e.Insert(ctx, p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatal(err)
		}
	}

	found, err := e.Delete(ctx, p, chain.EncodeKey(0))
	if err != nil {
		t.Fatalf("delete min: %v", err)
	}
	if !found {
		t.Fatal("delete min: not found")
	}
	if _, ok, err := e.Get(ctx, p, chain.EncodeKey(0)); err != nil || ok {
		t.Fatalf("get deleted min: ok=%v err=%v", ok, err)
	}
	// everything else should be intact
	for i := 1; i < 20; i++ {
		if _, ok, err := e.Get(ctx, p, chain.EncodeKey(i)); err != nil || !ok {
			t.Fatalf("get %d after deleting min: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestDeleteDrainsBlockAndRemovesIt(t *testing.T) {
	e := newEngine(t, 4)
	p := parentKey("p-drain")
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		if err := e.Insert(ctx, p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatal(err)
		}
	}
	statsBefore, err := e.Stats(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 40; i++ {
		if _, err := e.Delete(ctx, p, chain.EncodeKey(i)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}

	statsAfter, err := e.Stats(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if statsAfter.Entries != 0 {
		t.Fatalf("entries after draining everything = %d, want 0", statsAfter.Entries)
	}
	if statsAfter.Blocks != 1 {
		t.Fatalf("blocks after draining everything = %d, want 1 (head survives)", statsAfter.Blocks)
	}
	if statsAfter.Blocks >= statsBefore.Blocks {
		t.Fatalf("expected empty non-head blocks to be reclaimed: before=%d after=%d", statsBefore.Blocks, statsAfter.Blocks)
	}
}

func TestDeleteMissingKeyIsNotAnError(t *testing.T) {
	e := newEngine(t, 10000)
	p := parentKey("p-empty")
	ctx := context.Background()

	found, err := e.Delete(ctx, p, chain.EncodeKey(1))
	if err != nil {
		t.Fatalf("delete from never-initialized chain: %v", err)
	}
	if found {
		t.Fatal("delete from never-initialized chain reported found")
	}
}

func TestRebuildRootDryRunReportsWithoutRepairing(t *testing.T) {
	e := newEngine(t, 4)
	p := parentKey("p-rebuild")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if err := e.Insert(ctx, p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatal(err)
		}
	}

	report, err := e.RebuildRoot(ctx, p, true)
	if err != nil {
		t.Fatalf("dry-run rebuild: %v", err)
	}
	if report.MismatchedEntries != 0 || report.OrphanBlocks != 0 {
		t.Fatalf("unexpected discrepancies after a clean run of splits: %+v", report)
	}
	if report.Repaired {
		t.Fatal("dry-run reported Repaired=true")
	}

	// a second, non-dry-run pass over an already-consistent chain
	// should likewise report nothing repaired
	report2, err := e.RebuildRoot(ctx, p, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report2.Repaired {
		t.Fatal("rebuild repaired an already-consistent chain")
	}
}

func TestRebuildRootRepairsCorruptedRootEntry(t *testing.T) {
	e, st := newEngineWithStore(t, 4)
	p := parentKey("p-corrupt")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if err := e.Insert(ctx, p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatal(err)
		}
	}

	rootKey := store.Key{Namespace: p.Namespace, Set: p.Set + "-meta", UserKey: chain.Digest(p)}
	results, err := st.Operate(ctx, rootKey, store.Op{Bin: "map", Kind: store.OpMapGetByIndexRange, Offset: 0, Count: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results[0].Entries) < 2 {
		t.Fatalf("expected at least 2 root entries after splitting, got %d", len(results[0].Entries))
	}
	victim := results[0].Entries[len(results[0].Entries)-1].Key
	if _, err := st.Operate(ctx, rootKey, store.Op{Bin: "map", Kind: store.OpMapRemoveByKey, Key: victim}); err != nil {
		t.Fatal(err)
	}

	dryReport, err := e.RebuildRoot(ctx, p, true)
	if err != nil {
		t.Fatalf("dry-run rebuild: %v", err)
	}
	if dryReport.MismatchedEntries == 0 {
		t.Fatal("dry-run rebuild failed to detect the corrupted root entry")
	}
	if dryReport.Repaired {
		t.Fatal("dry-run rebuild must not repair")
	}

	report, err := e.RebuildRoot(ctx, p, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !report.Repaired {
		t.Fatal("rebuild did not repair the corrupted root map")
	}

	report2, err := e.RebuildRoot(ctx, p, true)
	if err != nil {
		t.Fatal(err)
	}
	if report2.MismatchedEntries != 0 || report2.OrphanBlocks != 0 {
		t.Fatalf("root map still inconsistent after repair: %+v", report2)
	}

	for i := 0; i < 30; i++ {
		if _, ok, err := e.Get(ctx, p, chain.EncodeKey(i)); err != nil || !ok {
			t.Fatalf("get %d after repair: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestEncodeKeyPreservesOrderForInts(t *testing.T) {
	vals := []int{-100, -1, 0, 1, 100, 1 << 20}
	for i := 0; i < len(vals)-1; i++ {
		a, b := chain.EncodeKey(vals[i]), chain.EncodeKey(vals[i+1])
		if !(a < b) {
			t.Fatalf("EncodeKey(%d)=%q not < EncodeKey(%d)=%q", vals[i], a, vals[i+1], b)
		}
	}
}

func TestEncodeKeyPreservesOrderForFloats(t *testing.T) {
	vals := []float64{-3.5, -1.2, -0.001, 0, 0.001, 1.2, 3.5}
	for i := 0; i < len(vals)-1; i++ {
		a, b := chain.EncodeKey(vals[i]), chain.EncodeKey(vals[i+1])
		if !(a < b) {
			t.Fatalf("EncodeKey(%v)=%q not < EncodeKey(%v)=%q", vals[i], a, vals[i+1], b)
		}
	}
}

func TestDecodeKeyInvertsEncodeKey(t *testing.T) {
	for _, n := range []int64{-42, 0, 42, 1 << 40} {
		s := chain.EncodeKey(n)
		got, err := chain.DecodeKey(s, int64(0))
		if err != nil {
			t.Fatalf("decode %d: %v", n, err)
		}
		if got != n {
			t.Fatalf("decode(encode(%d)) = %d", n, got)
		}
	}
	for _, s := range []string{"", "a", "zzz"} {
		enc := chain.EncodeKey(s)
		got, err := chain.DecodeKey(enc, "")
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != s {
			t.Fatalf("decode(encode(%q)) = %q", s, got)
		}
	}
}
