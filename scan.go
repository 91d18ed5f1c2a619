package blockindex

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/chain"
	"github.com/blockindex/blockindex/internal/scan"
)

// RangeItem is one entry of a GetRange/Continue page: the caller's
// decoded sort key plus the index metadata the chain holds for it.
type RangeItem[K Ordered] struct {
	Key      K
	ExpiryMs int64
	Digest   string
}

// RangePage is one page of a directional range scan (spec §4.7).
// Token is nil once the scan is exhausted.
type RangePage[K Ordered] struct {
	Items []RangeItem[K]
	Token *string
}

// GetRange scans p's index in key order (or reverse, if backward),
// starting at from (inclusive) and stopping past to (inclusive),
// either bound may be nil for an open end, returning up to limit
// entries and a continuation token if more remain (spec §4.7).
func (ix *Index[K]) GetRange(ctx context.Context, p Key, from, to *K, limit int, backward bool) (RangePage[K], error) {
	if limit <= 0 {
		return RangePage[K]{}, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	pk, err := p.toParentKey()
	if err != nil {
		return RangePage[K]{}, err
	}
	fromEnc, toEnc := encodeBound(from), encodeBound(to)

	page, err := ix.scan.Range(ctx, pk, fromEnc, toEnc, limit, backward)
	if err != nil {
		return RangePage[K]{}, fmt.Errorf("blockindex: get range: %w", err)
	}
	return ix.toRangePage(page)
}

// Continue resumes a scan from a token previously returned by
// GetRange or Continue.
func (ix *Index[K]) Continue(ctx context.Context, p Key, token string, limit int) (RangePage[K], error) {
	if limit <= 0 {
		return RangePage[K]{}, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	pk, err := p.toParentKey()
	if err != nil {
		return RangePage[K]{}, err
	}
	page, err := ix.scan.Continue(ctx, pk, token, limit)
	if err != nil {
		return RangePage[K]{}, fmt.Errorf("blockindex: continue: %w", err)
	}
	return ix.toRangePage(page)
}

func (ix *Index[K]) toRangePage(page scan.Page) (RangePage[K], error) {
	var zero K
	items := make([]RangeItem[K], 0, len(page.Entries))
	for _, e := range page.Entries {
		k, err := chain.DecodeKey(e.EncodedKey, zero)
		if err != nil {
			return RangePage[K]{}, fmt.Errorf("blockindex: decode scanned key: %w", err)
		}
		items = append(items, RangeItem[K]{Key: k, ExpiryMs: e.ExpiryMs, Digest: e.Digest})
	}
	return RangePage[K]{Items: items, Token: page.Token}, nil
}

func encodeBound[K Ordered](k *K) *string {
	if k == nil {
		return nil
	}
	s := chain.EncodeKey(*k)
	return &s
}
