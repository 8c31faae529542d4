package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/redis"
)

var buildFlags struct {
	source      string
	docs        int
	vocabulary  int
	seed        int64
	workers     int
	concurrency int
	buildID     string
	progress    bool
	interval    time.Duration
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildFlags.source, "source", "postgres", "row source: postgres or synthetic")
	f.IntVar(&buildFlags.docs, "docs", 100000, "synthetic corpus size")
	f.IntVar(&buildFlags.vocabulary, "vocabulary", 5000, "synthetic vocabulary size")
	f.Int64Var(&buildFlags.seed, "seed", 1, "synthetic corpus seed")
	f.IntVar(&buildFlags.workers, "workers", -1, "parallel workers per shard (-1 keeps the config value)")
	f.IntVar(&buildFlags.concurrency, "concurrency", 1, "shards built at once")
	f.StringVar(&buildFlags.buildID, "build-id", "", "build id (default: random)")
	f.BoolVar(&buildFlags.progress, "progress", false, "publish progress to redis")
	f.DurationVar(&buildFlags.interval, "progress-interval", time.Second, "progress publish interval")
	rootCmd.AddCommand(buildCmd)
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index every row of a source into the shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if buildFlags.workers >= 0 {
			cfg.Indexer.ParallelWorkers = buildFlags.workers
		}
		src, closeSrc, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer closeSrc()

		router, err := openShards()
		if err != nil {
			return err
		}
		defer router.Close()

		id := buildFlags.buildID
		if id == "" {
			id = uuid.NewString()
		}
		tracker := progress.NewTracker(id)
		stopProgress, err := startProgress(ctx, tracker)
		if err != nil {
			return err
		}
		results, err := router.BuildAll(ctx, src, buildFlags.concurrency, tracker)
		stopProgress()
		if err != nil {
			return fmt.Errorf("build %s: %w", id, err)
		}

		out := cmd.OutOrStdout()
		ids := make([]int, 0, len(results))
		for shardID := range results {
			ids = append(ids, shardID)
		}
		sort.Ints(ids)
		for _, shardID := range ids {
			r := results[shardID]
			mode := "serial"
			if r.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(out, "shard %d: %s docs, %d segments, %s, %s\n",
				shardID, humanize.Comma(int64(r.Docs)), r.Segments, mode, r.Took.Round(time.Millisecond))
		}
		s := tracker.Snapshot()
		fmt.Fprintf(out, "build %s: %s rows in %s\n", id, humanize.Comma(s.Done), s.Elapsed.Round(time.Millisecond))
		return nil
	},
}

func openSource(ctx context.Context) (source.RowSource, func(), error) {
	switch buildFlags.source {
	case "synthetic":
		return source.Synthetic(source.SyntheticOptions{
			Docs:       buildFlags.docs,
			Vocabulary: buildFlags.vocabulary,
			Seed:       buildFlags.seed,
		}), func() {}, nil
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return source.NewPostgresSource(db.DB, db.DocumentTable()), func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", buildFlags.source)
}

// startProgress publishes tracker to redis until the returned function is
// called. Without --progress it does nothing.
func startProgress(ctx context.Context, tracker *progress.Tracker) (func(), error) {
	if !buildFlags.progress {
		return func() {}, nil
	}
	client, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	pub := progress.NewPublisher(client, tracker, buildFlags.interval, cfg.Redis.ProgressTTL)
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(pctx)
	}()
	return func() {
		cancel()
		<-done
		client.Close()
	}, nil
}
