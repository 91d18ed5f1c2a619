package scan_test

import (
	"context"
	"testing"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/idalloc"
	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/scan"
	"github.com/blockindex/blockindex/internal/store"
)

func newEngines(t *testing.T, maxPerBlock int) (*chain.Engine, *scan.Engine) {
	t.Helper()
	st := store.NewMemStore()
	locks := lock.NewManager(st, nil)
	ids := idalloc.New(st, nil)
	ce := chain.NewEngine(st, locks, ids, nil, chain.Config{MaxElementsPerBlock: maxPerBlock})
	return ce, scan.NewEngine(ce, nil)
}

func seed(t *testing.T, ce *chain.Engine, p chain.ParentKey, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := ce.Insert(context.Background(), p, chain.EncodeKey(i), chain.NoExpiry, "d"); err != nil {
			t.Fatalf("seed insert %d: %v", i, err)
		}
	}
}

func TestRangeForwardFullScan(t *testing.T) {
	ce, se := newEngines(t, 4)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "full"}
	seed(t, ce, p, 25)

	page, err := se.Range(context.Background(), p, nil, nil, 1000, false)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if page.Token != nil {
		t.Fatalf("expected no continuation token for a limit larger than the data set")
	}
	if len(page.Entries) != 25 {
		t.Fatalf("len(entries) = %d, want 25", len(page.Entries))
	}
	for i, e := range page.Entries {
		if e.EncodedKey != chain.EncodeKey(i) {
			t.Fatalf("entries[%d] = %q, want %q", i, e.EncodedKey, chain.EncodeKey(i))
		}
	}
}

func TestRangeBackwardFullScan(t *testing.T) {
	ce, se := newEngines(t, 4)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "bwd"}
	seed(t, ce, p, 25)

	page, err := se.Range(context.Background(), p, nil, nil, 1000, true)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(page.Entries) != 25 {
		t.Fatalf("len(entries) = %d, want 25", len(page.Entries))
	}
	for i, e := range page.Entries {
		want := chain.EncodeKey(24 - i)
		if e.EncodedKey != want {
			t.Fatalf("entries[%d] = %q, want %q", i, e.EncodedKey, want)
		}
	}
}

func TestRangePaginationRoundTrip(t *testing.T) {
	ce, se := newEngines(t, 4)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "page"}
	seed(t, ce, p, 37)

	var collected []string
	page, err := se.Range(context.Background(), p, nil, nil, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	for {
		for _, e := range page.Entries {
			collected = append(collected, e.EncodedKey)
		}
		if page.Token == nil {
			break
		}
		page, err = se.Continue(context.Background(), p, *page.Token, 5)
		if err != nil {
			t.Fatalf("continue: %v", err)
		}
	}

	if len(collected) != 37 {
		t.Fatalf("collected %d entries across pages, want 37", len(collected))
	}
	for i, k := range collected {
		if k != chain.EncodeKey(i) {
			t.Fatalf("collected[%d] = %q, want %q", i, k, chain.EncodeKey(i))
		}
	}
}

func TestRangeBounded(t *testing.T) {
	ce, se := newEngines(t, 4)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "bounded"}
	seed(t, ce, p, 20)

	from := chain.EncodeKey(5)
	to := chain.EncodeKey(10)
	page, err := se.Range(context.Background(), p, &from, &to, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 6 {
		t.Fatalf("len(entries) = %d, want 6 (5..10 inclusive)", len(page.Entries))
	}
	for i, e := range page.Entries {
		want := chain.EncodeKey(5 + i)
		if e.EncodedKey != want {
			t.Fatalf("entries[%d] = %q, want %q", i, e.EncodedKey, want)
		}
	}
	if page.Token != nil {
		t.Fatal("bounded scan that fits in one page must not return a token")
	}
}

func TestRangeFiltersExpiredEntries(t *testing.T) {
	ce, se := newEngines(t, 100)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "ttl"}
	ctx := context.Background()

	if err := ce.Insert(ctx, p, chain.EncodeKey(1), chain.NoExpiry, "live"); err != nil {
		t.Fatal(err)
	}
	if err := ce.Insert(ctx, p, chain.EncodeKey(2), store.NowMillis()-1000, "expired"); err != nil {
		t.Fatal(err)
	}
	if err := ce.Insert(ctx, p, chain.EncodeKey(3), chain.NoExpiry, "live"); err != nil {
		t.Fatal(err)
	}

	page, err := se.Range(ctx, p, nil, nil, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (expired entry filtered)", len(page.Entries))
	}
	for _, e := range page.Entries {
		if e.Digest != "live" {
			t.Fatalf("unexpected entry survived filtering: %+v", e)
		}
	}
}

func TestRangeOnUninitializedChain(t *testing.T) {
	_, se := newEngines(t, 10)
	p := chain.ParentKey{Namespace: "ns", Set: "set", UserKey: "never-inserted"}

	_, err := se.Range(context.Background(), p, nil, nil, 10, false)
	if err == nil {
		t.Fatal("expected an error routing against a chain that was never initialized")
	}
}
