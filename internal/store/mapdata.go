package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// sortedMap is the in-memory working form of one key-ordered-map bin:
// a slice of entries kept sorted ascending by Key (ordinary string
// comparison — callers are responsible for encoding their sort key
// into an order-preserving string before it reaches here).
type sortedMap []MapEntry

func decodeSortedMap(raw []byte) (sortedMap, error) {
	if len(raw) == 0 {
		return sortedMap{}, nil
	}
	var m sortedMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode map bin: %w", err)
	}
	return m, nil
}

func (m sortedMap) encode() ([]byte, error) {
	if m == nil {
		m = sortedMap{}
	}
	b, err := json.Marshal([]MapEntry(m))
	if err != nil {
		return nil, fmt.Errorf("encode map bin: %w", err)
	}
	return b, nil
}

// search returns the index of key if present, and the insertion index
// (the position of the first entry whose key is >= key) otherwise.
func (m sortedMap) search(key string) (idx int, found bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].Key >= key })
	if i < len(m) && m[i].Key == key {
		return i, true
	}
	return i, false
}

// apply executes one Op against entries, returning the (possibly
// unmodified) new slice and the op's Result.
func applyMapOp(entries sortedMap, op Op) (sortedMap, Result, error) {
	switch op.Kind {
	case OpMapSize:
		return entries, Result{Size: len(entries)}, nil

	case OpMapPut:
		idx, found := entries.search(op.Key)
		if found {
			if op.CreateOnly {
				return entries, Result{}, ErrElementExists
			}
			entries[idx].Value = op.Value
			return entries, Result{Found: true, Index: idx, Size: len(entries)}, nil
		}
		entries = insertAt(entries, idx, MapEntry{Key: op.Key, Value: op.Value})
		return entries, Result{Found: false, Index: idx, Size: len(entries)}, nil

	case OpMapPutItems:
		for _, it := range op.Items {
			idx, found := entries.search(it.Key)
			if found {
				entries[idx].Value = it.Value
			} else {
				entries = insertAt(entries, idx, it)
			}
		}
		return entries, Result{Size: len(entries)}, nil

	case OpMapGetByKey:
		idx, found := entries.search(op.Key)
		if !found {
			return entries, Result{Found: false}, nil
		}
		return entries, Result{Found: true, Value: entries[idx].Value, Index: idx}, nil

	case OpMapGetByIndex:
		i := op.Index
		if i < 0 {
			i += len(entries)
		}
		if i < 0 || i >= len(entries) {
			return entries, Result{Found: false}, nil
		}
		return entries, Result{Found: true, Value: entries[i].Value, Index: i}, nil

	case OpMapGetByIndexRange:
		start, count := rangeBounds(op.Offset, op.Count, len(entries))
		out := append([]MapEntry(nil), entries[start:start+count]...)
		return entries, Result{Entries: out}, nil

	case OpMapGetByKeyRelativeIndexRange:
		floor, _ := entries.search(op.Key)
		// search returns the match's index for an exact key and the
		// insertion point (the first entry above key) otherwise, so
		// Offset counts from there: Offset -1 on a missing key lands on
		// floor(key).
		start := floor + op.Offset
		if start < 0 {
			start = 0
		}
		if start > len(entries) {
			start = len(entries)
		}
		count := op.Count
		if count < 0 || start+count > len(entries) {
			count = len(entries) - start
		}
		out := append([]MapEntry(nil), entries[start:start+count]...)
		return entries, Result{Entries: out}, nil

	case OpMapRemoveByKey:
		idx, found := entries.search(op.Key)
		if !found {
			return entries, Result{Found: false, Index: -1}, nil
		}
		removedIdx := idx
		entries = append(entries[:idx], entries[idx+1:]...)
		return entries, Result{Found: true, Index: removedIdx, Size: len(entries)}, nil

	case OpMapRemoveByValueRange:
		kept := entries[:0:0]
		removed := 0
		for _, e := range entries {
			if valueInRange(e.Value, op.ValueMin, op.ValueMax) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		return kept, Result{Removed: removed, Size: len(kept)}, nil

	case OpMapClear:
		return sortedMap{}, Result{Size: 0}, nil

	default:
		return entries, Result{}, fmt.Errorf("map op: unsupported kind %d", op.Kind)
	}
}

func insertAt(m sortedMap, idx int, e MapEntry) sortedMap {
	m = append(m, MapEntry{})
	copy(m[idx+1:], m[idx:])
	m[idx] = e
	return m
}

// rangeBounds clamps an (offset, count) pair to [0, n), treating a
// negative count as "to the end".
func rangeBounds(offset, count, n int) (start, clampedCount int) {
	start = offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if count < 0 || start+count > n {
		count = n - start
	}
	return start, count
}

// valueInRange reports whether v falls within [min, max] using tuple
// (lexicographic) comparison when the bounds are []any, matching the
// lock manager's release-by-owner-range use (spec §4.1): a min/max of
// [ownerID, -sentinel]/[ownerID, +sentinel] removes exactly the one
// entry owned by ownerID regardless of its lease value.
func valueInRange(v, min, max any) bool {
	return compareAny(v, min) >= 0 && compareAny(v, max) <= 0
}

// compareAny orders values the same way the block-chain and lock
// manager need: numbers numerically, strings lexicographically, and
// []any tuples element-by-element (first differing element decides).
func compareAny(a, b any) int {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	aArr, aIsArr := asSlice(a)
	bArr, bIsArr := asSlice(b)
	if aIsArr && bIsArr {
		for i := 0; i < len(aArr) && i < len(bArr); i++ {
			if c := compareAny(aArr[i], bArr[i]); c != 0 {
				return c
			}
		}
		return len(aArr) - len(bArr)
	}
	// Mismatched or unsupported shapes: treat as equal rather than
	// panicking; callers only rely on this for exact range containment.
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
