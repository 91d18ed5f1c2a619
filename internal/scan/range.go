package scan

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/store"
)

// Range starts a new scan under p (spec §4.7). fromEncoded is the
// inclusive starting key (nil means "the very start of the chain" for
// a forward scan, or "the very end" for a backward one). toEncoded is
// an inclusive bound past which the scan stops and reports no further
// continuation; nil means unbounded. limit caps the number of entries
// returned in this page.
func (e *Engine) Range(ctx context.Context, p chain.ParentKey, fromEncoded, toEncoded *string, limit int, backward bool) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("scan: limit must be positive, got %d", limit)
	}

	var startBlock int64
	var err error
	switch {
	case fromEncoded != nil:
		startBlock, _, err = e.chain.RouteBlock(ctx, p, *fromEncoded)
	case backward:
		startBlock, err = e.chain.TailBlockID(ctx, p)
	default:
		startBlock = chain.HeadBlockID
	}
	if err != nil {
		return Page{}, fmt.Errorf("scan: locate starting block: %w", err)
	}

	return e.walkFrom(ctx, p, startBlock, fromEncoded, true, toEncoded, limit, backward)
}

// Continue resumes a scan from a token previously returned by Range
// or Continue (spec §4.7's continuation token).
func (e *Engine) Continue(ctx context.Context, p chain.ParentKey, token string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("scan: limit must be positive, got %d", limit)
	}
	c, err := decodeCursor(token)
	if err != nil {
		return Page{}, err
	}
	if c.Namespace != p.Namespace || c.Set != p.Set || c.UserKey != p.UserKey {
		return Page{}, fmt.Errorf("scan: continuation token does not belong to this parent key")
	}
	after := c.AfterKey
	return e.walkFrom(ctx, p, c.BlockID, &after, false, c.ToKey, limit, c.Backward)
}

// walkFrom fetches whole blocks (ascending key order, as the store
// naturally returns them) starting at blockID, filters each block's
// entries against the scan's start/bound/direction/TTL, and keeps
// following next/prev links until limit entries are collected, the
// bound is passed, or the chain ends.
func (e *Engine) walkFrom(ctx context.Context, p chain.ParentKey, blockID int64, startKey *string, startInclusive bool, toEncoded *string, limit int, backward bool) (Page, error) {
	mapBin, nextBin, prevBin := e.chain.BlockBins()
	linkBin := nextBin
	if backward {
		linkBin = prevBin
	}

	var out []Entry
	var lastKey *string
	now := store.NowMillis()
	exhausted := false

	for len(out) < limit && !exhausted {
		results, err := e.chain.OperateBlock(ctx, p, blockID,
			store.Op{Bin: mapBin, Kind: store.OpMapGetByIndexRange, Offset: 0, Count: -1},
			store.Op{Bin: linkBin, Kind: store.OpBinGet},
		)
		if err != nil {
			return Page{}, fmt.Errorf("scan: read block %d: %w", blockID, err)
		}
		entries := results[0].Entries
		link, _ := results[1].Value.(string)

		if backward {
			reverseEntries(entries)
		}

		limitHitMidBlock := false
		for i, ent := range entries {
			if startKey != nil {
				cmp := ent.Key > *startKey
				if backward {
					cmp = ent.Key < *startKey
				}
				eq := ent.Key == *startKey
				if !cmp && !(startInclusive && eq) {
					continue
				}
			}
			if toEncoded != nil {
				if (!backward && ent.Key > *toEncoded) || (backward && ent.Key < *toEncoded) {
					exhausted = true
					break
				}
			}
			expiryMs, digest, ok := chain.DecodeBlockValue(ent.Value)
			if !ok {
				return Page{}, fmt.Errorf("scan: malformed index entry %q in block %d", ent.Key, blockID)
			}
			if expiryMs != chain.NoExpiry && expiryMs <= now {
				continue // expired; spec §3 invariant 5's lazy-expiry filtering
			}
			out = append(out, Entry{EncodedKey: ent.Key, ExpiryMs: expiryMs, Digest: digest})
			k := ent.Key
			lastKey = &k
			if len(out) >= limit {
				limitHitMidBlock = i < len(entries)-1
				break
			}
		}

		if exhausted {
			break
		}
		if len(out) >= limit {
			if !limitHitMidBlock && link == "" {
				// Collected exactly `limit` and this was also the last
				// entry of the last block — nothing left to continue.
				lastKey = nil
			}
			break
		}
		if link == "" {
			lastKey = nil // end of the chain: nothing left to continue
			break
		}
		nextID, err := store.ParseInt64(link)
		if err != nil {
			return Page{}, err
		}
		blockID = nextID
		startKey = nil // already consumed the boundary; subsequent blocks are taken whole
	}

	if exhausted || lastKey == nil {
		return Page{Entries: out, Token: nil}, nil
	}
	tok := encodeCursor(cursor{
		Namespace: p.Namespace, Set: p.Set, UserKey: p.UserKey,
		BlockID: blockID, AfterKey: *lastKey, ToKey: toEncoded, Backward: backward,
	})
	return Page{Entries: out, Token: &tok}, nil
}

func reverseEntries(s []store.MapEntry) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
