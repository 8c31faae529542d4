package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
)

func newRouter(t *testing.T, numShards int) *Router {
	t.Helper()
	cfg := config.DefaultIndexerConfig()
	cfg.DataDir = t.TempDir()
	cfg.PageCacheSize = 1 << 20
	cfg.ParallelWorkers = 0
	r, err := NewRouter(cfg, numShards, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestShardForIsStableAndInRange(t *testing.T) {
	counts := make([]int, 4)
	for b := uint32(0); b < 200; b++ {
		for o := uint16(1); o <= 5; o++ {
			l := segment.Locator{Block: b, Offset: o}
			s := ShardFor(l, 4)
			if s < 0 || s >= 4 {
				t.Fatalf("shard %d out of range", s)
			}
			if s != ShardFor(l, 4) {
				t.Fatal("ShardFor is not deterministic")
			}
			counts[s]++
		}
	}
	for s, n := range counts {
		if n == 0 {
			t.Fatalf("shard %d received no documents", s)
		}
	}
}

func TestPartitionsCoverSourceOnce(t *testing.T) {
	src := source.Synthetic(source.SyntheticOptions{Docs: 500, Vocabulary: 40, Seed: 6, RowsPerBlock: 10})
	ctx := context.Background()
	seen := map[segment.Locator]int{}
	for s := 0; s < 3; s++ {
		p := Partition(src, s, 3)
		nblocks, err := p.NumBlocks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		err = p.Scan(ctx, 0, nblocks, func(r source.Row) error {
			if got := ShardFor(r.Locator, 3); got != s {
				t.Fatalf("row %+v belongs to shard %d, scanned by %d", r.Locator, got, s)
			}
			seen[r.Locator]++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != src.Len() {
		t.Fatalf("partitions covered %d of %d rows", len(seen), src.Len())
	}
	if Partition(src, 0, 1) != source.RowSource(src) {
		t.Fatal("a single partition must be the source itself")
	}
}

func TestBuildAllSplitsDocuments(t *testing.T) {
	r := newRouter(t, 3)
	src := source.Synthetic(source.SyntheticOptions{Docs: 900, Vocabulary: 60, Seed: 12, RowsPerBlock: 15})
	tracker := progress.NewTracker("sharded")
	results, err := r.BuildAll(context.Background(), src, 2, tracker)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 shard results, got %d", len(results))
	}
	var docs uint64
	var df uint32
	for id, engine := range r.GetAllEngines() {
		docs += results[id].Docs
		tp, err := engine.Postings("t0001")
		if err != nil {
			t.Fatal(err)
		}
		df += tp.DocFreq
		for _, p := range tp.Postings {
			if ShardFor(p.Locator, 3) != id {
				t.Fatalf("shard %d holds a posting for %+v", id, p.Locator)
			}
		}
	}
	if docs != 900 {
		t.Fatalf("shards indexed %d docs, want 900", docs)
	}
	if want := src.DocFreqs()["t0001"]; df != want {
		t.Fatalf("doc freq across shards %d, want %d", df, want)
	}
	s := tracker.Snapshot()
	if s.Phase != progress.PhaseDone || s.Done != 900 {
		t.Fatalf("unexpected progress %+v", s)
	}
}

func TestBuildAllStopsOnCancel(t *testing.T) {
	r := newRouter(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := source.Synthetic(source.SyntheticOptions{Docs: 100, Seed: 1})
	if _, err := r.BuildAll(ctx, src, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRouteRejectsUnknownShard(t *testing.T) {
	r := newRouter(t, 2)
	if _, err := r.Route(2); err == nil {
		t.Fatal("expected an error for shard 2")
	}
	id, engine, err := r.RouteLocator(segment.Locator{Block: 3, Offset: 1})
	if err != nil || engine == nil || id != ShardFor(segment.Locator{Block: 3, Offset: 1}, 2) {
		t.Fatalf("unexpected route %d %v %v", id, engine, err)
	}
	if err := r.FlushAll(context.Background()); err != nil {
		t.Fatal(err)
	}
}
