// Package lock implements the record-level advisory lock described in
// spec.md §4.1: a single "locked" entry inside a designated lock bin.
// WithLock fuses acquire+mutate+release into one atomic multi-op for
// single-record operations; AcquireLock/Release split the two apart
// for operations (like a block split) that need the lock held across
// several separate calls spanning multiple records.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blockindex/blockindex/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrTimeout is returned when a lock could not be acquired before the
// caller's timeoutMs elapsed (spec §7, TransientLockContention
// surfacing as TIMEOUT on exhaustion).
var ErrTimeout = errors.New("lock: timeout")

const (
	lockEntryKey = "locked"
	// posInf/negInf bound a RemoveByValueRange so it matches exactly
	// one owner's entry regardless of lease value, per spec §4.1's
	// "[[ownerId,-∞],[ownerId,+∞]]" release range.
	posInf = float64(1 << 62)
	negInf = -posInf
)

// processID is this process's stable half of every owner id, matching
// spec §4.1 ("ownerId = processUuid + "-" + threadOrTaskId").
var processID = uuid.NewString()

// NewOwnerID derives an owner id for one logical execution context
// from this process's id and taskID; the same taskID always yields the
// same owner id, which is what makes a lock reentrant. The block-chain
// engine draws a fresh taskID ("t<n>") for each locked step it runs.
func NewOwnerID(taskID string) string {
	return processID + "-" + taskID
}

// Manager acquires and releases advisory locks against records in st.
type Manager struct {
	st  store.Store
	log *zap.Logger

	// retryDelay is slept between contention retries (spec §4.1's
	// lockRetryMs; default 5ms per spec §7's retry policy).
	retryDelay time.Duration

	// sf coalesces the lock-entry read that same-process callers make
	// after losing an acquire on the same record's lock into one store
	// round trip, the way teacher's SummaryService.Get coalesces
	// concurrent cache refreshes with singleflight — it doesn't change
	// the protocol (the acquire op is identical either way), and each
	// caller still runs its own retry loop and sleeps between attempts.
	sf singleflight.Group
}

// NewManager returns a Manager backed by st.
func NewManager(st store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{st: st, log: log.Named("lock"), retryDelay: 5 * time.Millisecond}
}

func lease(ownerID string, expiryMs int64) []any { return []any{ownerID, float64(expiryMs)} }

// WithLock runs ops against key under key's advisory lock: the lock
// acquire, every op in ops, and the lock release are applied as one
// atomic multi-op when there's no contention (spec §4.1's
// performOperationsUnderLock). On contention it resolves reentrance,
// live-lease backoff, or expired-lease takeover per spec §4.1, with a
// bounded retry loop gated by timeoutMs.
func (m *Manager) WithLock(ctx context.Context, key store.Key, bin, ownerID string, leaseMs, timeoutMs int64, ops []store.Op) ([]store.Result, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	releaseOp := store.Op{Bin: bin, Kind: store.OpMapRemoveByValueRange, ValueMin: []any{ownerID, negInf}, ValueMax: []any{ownerID, posInf}}

	for {
		now := store.NowMillis()
		acquireOp := store.Op{Bin: bin, Kind: store.OpMapPut, Key: lockEntryKey, Value: lease(ownerID, now+leaseMs), CreateOnly: true}

		full := make([]store.Op, 0, len(ops)+2)
		full = append(full, acquireOp)
		full = append(full, ops...)
		full = append(full, releaseOp)

		results, err := m.st.Operate(ctx, key, full...)
		if err == nil {
			return results[1 : len(results)-1], nil
		}
		if !errors.Is(err, store.ErrElementExists) {
			return nil, err
		}

		outcome, terr := m.resolveContention(ctx, key, bin, ownerID, now+leaseMs, deadline)
		if terr != nil {
			return nil, terr
		}
		switch outcome {
		case outcomeVacant:
			continue // empty slot now; retry the full fused acquire
		case outcomeAcquired:
			// resolveContention already installed (or confirmed) our
			// lease — the CreateOnly acquire above can never succeed
			// again for an entry that's already ours, so run the
			// caller's ops and release directly instead of looping
			// back into another doomed acquire attempt.
			rest := make([]store.Op, 0, len(ops)+1)
			rest = append(rest, ops...)
			rest = append(rest, releaseOp)
			results, err := m.st.Operate(ctx, key, rest...)
			if err != nil {
				return nil, err
			}
			return results[:len(results)-1], nil
		case outcomeContended:
			if time.Now().After(deadline) {
				return nil, ErrTimeout
			}
			time.Sleep(m.retryDelay)
		}
	}
}

func lockFlightKey(key store.Key, bin string) string {
	return key.Namespace + "/" + key.Set + "/" + key.UserKey + "/" + bin
}

// AcquireLock takes out a standalone lease on key's bin and returns
// once it's held, for callers that need the lock held across several
// separate store calls spanning multiple records (spec §4.5's split,
// whose crash-safe write ordering touches the new half-block, the
// root map, and the original block as distinct steps that cannot be
// fused into one atomic op). The caller must Release it when done.
func (m *Manager) AcquireLock(ctx context.Context, key store.Key, bin, ownerID string, leaseMs, timeoutMs int64) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		now := store.NowMillis()
		_, err := m.st.Operate(ctx, key, store.Op{
			Bin: bin, Kind: store.OpMapPut, Key: lockEntryKey,
			Value: lease(ownerID, now+leaseMs), CreateOnly: true,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrElementExists) {
			return err
		}

		outcome, terr := m.resolveContention(ctx, key, bin, ownerID, now+leaseMs, deadline)
		if terr != nil {
			return terr
		}
		switch outcome {
		case outcomeVacant:
			continue
		case outcomeAcquired:
			return nil
		case outcomeContended:
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			time.Sleep(m.retryDelay)
		}
	}
}

// contentionOutcome classifies what resolveContention found so its
// callers never retry a CreateOnly acquire against a slot they (or
// resolveContention on their behalf) already occupy — doing so would
// deadlock, since CreateOnly rejects any existing key unconditionally
// regardless of who owns it.
type contentionOutcome int

const (
	// outcomeVacant: the slot is empty (or just emptied); a plain
	// CreateOnly acquire attempt is expected to succeed now.
	outcomeVacant contentionOutcome = iota
	// outcomeAcquired: the lock is confirmed ours already, either
	// because it was already our own reentrant entry or because
	// resolveContention just completed an expired-lease takeover and
	// installed our lease itself. No further acquire call is needed.
	outcomeAcquired
	// outcomeContended: a foreign lease is still live; back off.
	outcomeContended
)

// resolveContention reads the current lock entry after an
// ErrElementExists and classifies the situation per contentionOutcome.
func (m *Manager) resolveContention(ctx context.Context, key store.Key, bin, ownerID string, myExpiry int64, deadline time.Time) (contentionOutcome, error) {
	// Every goroutine in this process that just lost the same acquire
	// race reads the identical lock entry; singleflight.Do coalesces
	// them into one round trip instead of one GetByKey per loser. This
	// is a pure read, so sharing the result across callers is always
	// safe (unlike sharing the mutation itself would be).
	v, err, _ := m.sf.Do(lockFlightKey(key, bin), func() (any, error) {
		results, err := m.st.Operate(ctx, key, store.Op{Bin: bin, Kind: store.OpMapGetByKey, Key: lockEntryKey})
		if err != nil {
			return nil, err
		}
		return results[0], nil
	})
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return outcomeVacant, nil
		}
		return outcomeContended, err
	}
	result := v.(store.Result)
	if !result.Found {
		return outcomeVacant, nil
	}

	entry, ok := asLease(result.Value)
	if !ok {
		return outcomeContended, fmt.Errorf("lock: malformed lock entry on %s/%s", key.UserKey, bin)
	}
	if entry.ownerID == ownerID {
		m.log.Debug("reentrant lock", zap.String("owner", ownerID), zap.String("bin", bin))
		return outcomeAcquired, nil
	}

	now := store.NowMillis()
	if entry.expiryMs > float64(now) {
		m.log.Debug("lock contended, backing off", zap.String("bin", bin), zap.String("holder", entry.ownerID), zap.String("host", hostname))
		return outcomeContended, nil
	}

	// Expired-lease takeover: remove exactly the stale entry we just
	// observed and put ours, atomically. If the stale entry is gone by
	// the time this runs (someone else already took over), Removed==0 —
	// a generation mismatch against our stale read — so report
	// contended and let the caller retry from the top rather than
	// assume ownership.
	takeoverOps := []store.Op{
		{Bin: bin, Kind: store.OpMapRemoveByValueRange,
			ValueMin: []any{entry.ownerID, entry.expiryMs},
			ValueMax: []any{entry.ownerID, entry.expiryMs}},
		{Bin: bin, Kind: store.OpMapPut, Key: lockEntryKey, Value: lease(ownerID, myExpiry)},
	}
	takeoverResults, err := m.st.Operate(ctx, key, takeoverOps...)
	if err != nil {
		return outcomeContended, err
	}
	if takeoverResults[0].Removed == 0 {
		m.log.Debug("takeover lost race, retrying", zap.String("bin", bin))
		return outcomeContended, nil
	}
	m.log.Info("expired lease taken over", zap.String("bin", bin), zap.String("from", entry.ownerID), zap.String("to", ownerID))
	return outcomeAcquired, nil
}

type leaseEntry struct {
	ownerID  string
	expiryMs float64
}

func asLease(v any) (leaseEntry, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return leaseEntry{}, false
	}
	owner, ok := arr[0].(string)
	if !ok {
		return leaseEntry{}, false
	}
	expiry, ok := arr[1].(float64)
	if !ok {
		return leaseEntry{}, false
	}
	return leaseEntry{ownerID: owner, expiryMs: expiry}, true
}

// Release drops ownerID's lock entry on key's bin directly, bypassing
// WithLock's compose-with-ops path — used by callers that took the
// lock with AcquireLock (split and removeEmptyBlock in internal/chain).
func (m *Manager) Release(ctx context.Context, key store.Key, bin, ownerID string) (bool, error) {
	results, err := m.st.Operate(ctx, key, store.Op{
		Bin: bin, Kind: store.OpMapRemoveByValueRange,
		ValueMin: []any{ownerID, negInf},
		ValueMax: []any{ownerID, posInf},
	})
	if err != nil {
		return false, err
	}
	return results[0].Removed == 1, nil
}

// hostname is logged alongside lock contention debug messages to help an
// operator spot a single misbehaving host.
var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()
