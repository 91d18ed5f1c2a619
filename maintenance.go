package blockindex

import (
	"context"
	"fmt"

	"github.com/blockindex/blockindex/internal/chain"
)

// ChainStats is read-only health introspection over one parent's
// chain, supplementing the distilled spec with the kind of check an
// operator runs before deciding whether RebuildRoot is warranted.
type ChainStats = chain.ChainStats

// RebuildReport is RebuildRoot's outcome.
type RebuildReport = chain.Report

// Stats walks p's chain and reports its current size.
func (ix *Index[K]) Stats(ctx context.Context, p Key) (ChainStats, error) {
	pk, err := p.toParentKey()
	if err != nil {
		return ChainStats{}, err
	}
	stats, err := ix.chain.Stats(ctx, pk)
	if err != nil {
		return ChainStats{}, fmt.Errorf("blockindex: stats: %w", err)
	}
	return stats, nil
}

// RebuildRoot walks p's block chain and reconciles its root summary
// map against what's actually linked (spec §4.8). With dryRun it only
// reports discrepancies, supplementing the distilled spec with
// original_source's maintenance-tool dry-run mode.
func (ix *Index[K]) RebuildRoot(ctx context.Context, p Key, dryRun bool) (RebuildReport, error) {
	pk, err := p.toParentKey()
	if err != nil {
		return RebuildReport{}, err
	}
	report, err := ix.chain.RebuildRoot(ctx, pk, dryRun)
	if err != nil {
		return RebuildReport{}, fmt.Errorf("blockindex: rebuild root: %w", err)
	}
	return report, nil
}
