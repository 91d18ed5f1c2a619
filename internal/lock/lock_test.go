package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/blockindex/blockindex/internal/lock"
	"github.com/blockindex/blockindex/internal/store"
)

func newRecord(t *testing.T) (store.Key, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	key := store.Key{Namespace: "ns", Set: "set", UserKey: "k"}
	if _, err := st.CreateRecord(context.Background(), key, nil); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return key, st
}

func TestWithLockFusedNoContention(t *testing.T) {
	key, st := newRecord(t)
	mgr := lock.NewManager(st, nil)
	owner := lock.NewOwnerID("t1")

	results, err := mgr.WithLock(context.Background(), key, "lck", owner, 100, 1000, []store.Op{
		{Bin: "data", Kind: store.OpMapPut, Key: "a", Value: "v"},
		{Bin: "data", Kind: store.OpMapSize},
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if len(results) != 2 || results[1].Size != 1 {
		t.Fatalf("results = %+v", results)
	}

	// The lease should be released by the time WithLock returns.
	res, err := st.Operate(context.Background(), key, store.Op{Bin: "lck", Kind: store.OpMapSize})
	if err != nil {
		t.Fatalf("check lock bin: %v", err)
	}
	if res[0].Size != 0 {
		t.Fatalf("lock entry still present after WithLock, size = %d", res[0].Size)
	}
}

func TestAcquireLockReentrant(t *testing.T) {
	key, st := newRecord(t)
	mgr := lock.NewManager(st, nil)
	owner := lock.NewOwnerID("t1")

	if err := mgr.AcquireLock(context.Background(), key, "lck", owner, 10_000, 1000); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Same owner re-entering must not block on the now-occupied slot.
	done := make(chan error, 1)
	go func() { done <- mgr.AcquireLock(context.Background(), key, "lck", owner, 10_000, 1000) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reentrant acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reentrant acquire blocked")
	}
}

func TestAcquireLockContentionTimesOut(t *testing.T) {
	key, st := newRecord(t)
	mgr := lock.NewManager(st, nil)

	if err := mgr.AcquireLock(context.Background(), key, "lck", lock.NewOwnerID("holder"), 10_000, 1000); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	err := mgr.AcquireLock(context.Background(), key, "lck", lock.NewOwnerID("waiter"), 10_000, 20)
	if err != lock.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAcquireLockTakesOverExpiredLease(t *testing.T) {
	key, st := newRecord(t)
	mgr := lock.NewManager(st, nil)

	if err := mgr.AcquireLock(context.Background(), key, "lck", lock.NewOwnerID("stale"), 1, 1000); err != nil {
		t.Fatalf("stale acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := mgr.AcquireLock(context.Background(), key, "lck", lock.NewOwnerID("fresh"), 10_000, 1000); err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
}

func TestReleaseOnlyRemovesOwnEntry(t *testing.T) {
	key, st := newRecord(t)
	mgr := lock.NewManager(st, nil)
	ownerA := lock.NewOwnerID("a")

	if err := mgr.AcquireLock(context.Background(), key, "lck", ownerA, 10_000, 1000); err != nil {
		t.Fatal(err)
	}
	removed, err := mgr.Release(context.Background(), key, "lck", lock.NewOwnerID("b"))
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("release removed a lease it didn't own")
	}
	removed, err = mgr.Release(context.Background(), key, "lck", ownerA)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("release did not remove owner's own lease")
	}
}
