// Package idalloc allocates per-parent monotonic block ids (spec.md
// §4.2). Block id 1 belongs to the permanent head block, which the
// block-chain engine's initialize path creates without calling
// Allocate. Allocate itself starts counting at 1; the split path skips
// an id whose block record already exists.
package idalloc

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
)

const countBin = "id"

// Allocator hands out ids for a single id-counter record, C(P) in
// spec.md's notation.
type Allocator struct {
	st  store.Store
	log *zap.Logger
}

// New returns an Allocator backed by st.
func New(st store.Store, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{st: st, log: log.Named("idalloc")}
}

// Allocate atomically increments C(P)'s counter and returns the
// post-increment value (spec §4.2). The first call ever made against
// a fresh counter record returns 1, which is harmless: every caller of
// Allocate is a split path minting a *new* block, never the head (the
// head is created once by the chain engine's initialize path without
// calling Allocate), so an adversarial interleaving that hands out 1
// here is resolved by the CREATE_ONLY guard on block creation.
func (a *Allocator) Allocate(ctx context.Context, counterKey store.Key) (int64, error) {
	id, err := a.st.Add(ctx, counterKey, countBin, 1)
	if err != nil {
		return 0, fmt.Errorf("idalloc: allocate %s: %w", counterKey.UserKey, err)
	}
	a.log.Debug("allocated block id", zap.String("parent", counterKey.UserKey), zap.Int64("id", id))
	return id, nil
}
