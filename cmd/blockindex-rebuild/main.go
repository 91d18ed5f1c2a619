package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/blockindex/blockindex"
	"github.com/blockindex/blockindex/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	addr := flag.String("addr", "localhost:6379", "redis address")
	db := flag.Int("db", 0, "redis db number")
	namespace := flag.String("namespace", "", "parent key namespace")
	set := flag.String("set", "", "parent key set")
	userKey := flag.String("userkey", "", "parent key's user key")
	dryRun := flag.Bool("dry-run", true, "report discrepancies without repairing R(P)")
	statsOnly := flag.Bool("stats", false, "print chain stats and exit, skipping rebuild")
	flag.Parse()

	if *namespace == "" || *set == "" || *userKey == "" {
		fmt.Println("Usage: ./blockindex-rebuild -namespace=<ns> -set=<set> -userkey=<key> [-dry-run=true] [-stats]")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	client := store.NewClient(store.ClientOptions{Addr: *addr, DB: *db}, log)
	st := store.NewRedisStore(client, log)
	ix := blockindex.NewIndex[string](st, log)

	p := blockindex.Key{Namespace: *namespace, Set: *set, UserKey: *userKey}
	ctx := context.Background()

	if *statsOnly {
		stats, err := ix.Stats(ctx, p)
		if err != nil {
			log.Fatal("stats failed", zap.Error(err))
		}
		log.Info("chain stats", zap.Int("blocks", stats.Blocks), zap.Int("entries", stats.Entries))
		return
	}

	report, err := ix.RebuildRoot(ctx, p, *dryRun)
	if err != nil {
		log.Fatal("rebuild failed", zap.Error(err))
	}

	log.Info("rebuild complete",
		zap.Bool("dryRun", *dryRun),
		zap.Int("blocksWalked", report.BlocksWalked),
		zap.Int("mismatchedEntries", report.MismatchedEntries),
		zap.Int("orphanBlocks", report.OrphanBlocks),
		zap.Bool("repaired", report.Repaired),
	)
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
