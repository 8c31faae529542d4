package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

func testConfig(t *testing.T) config.IndexerConfig {
	t.Helper()
	return config.IndexerConfig{
		DataDir:           t.TempDir(),
		SegmentsPerLevel:  8,
		MaxLevels:         segment.MaxLevels,
		MaintenanceMemory: 64 << 20,
		PageCacheSize:     1 << 20,
		CompressPostings:  true,
	}
}

func newEngine(t *testing.T, cfg config.IndexerConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func loc(block uint32, offset uint16) segment.Locator {
	return segment.Locator{Block: block, Offset: offset}
}

func TestEngineSpillAndPostings(t *testing.T) {
	e := newEngine(t, testConfig(t))
	ctx := context.Background()
	docs := []string{
		"apples and oranges",
		"green apples",
		"oranges only",
	}
	for i, text := range docs {
		if err := e.IndexText(ctx, text, loc(0, uint16(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	root, err := e.Spill(ctx)
	if err != nil || root == segment.InvalidBlock {
		t.Fatalf("expected a segment, got %d, %v", root, err)
	}
	if root, err := e.Spill(ctx); err != nil || root != segment.InvalidBlock {
		t.Fatalf("an empty batch must not spill, got %d, %v", root, err)
	}

	tp, err := e.Postings("apples")
	if err != nil {
		t.Fatal(err)
	}
	if tp.DocFreq != 2 || len(tp.Postings) != 2 {
		t.Fatalf("expected 2 postings for apples, got %+v", tp)
	}
	if tp.Postings[0].Locator != loc(0, 1) || tp.Postings[1].Locator != loc(0, 2) {
		t.Fatalf("unexpected locators %+v", tp.Postings)
	}
	if tp, _ := e.Postings("banana"); tp.DocFreq != 0 {
		t.Fatalf("expected no postings for banana, got %+v", tp)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalDocs != 3 || stats.PendingDocs != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEngineCompactsOnFanIn(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentsPerLevel = 2
	e := newEngine(t, cfg)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := e.IndexText(ctx, "shared term", loc(uint32(i), 1)); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Spill(ctx); err != nil {
			t.Fatal(err)
		}
	}
	levels, err := e.Levels()
	if err != nil {
		t.Fatal(err)
	}
	if levels[0].Count != 0 || levels[1].Count != 0 || levels[2].Count != 1 {
		t.Fatalf("expected a single level 2 segment, got %+v", levels[:3])
	}
	tp, err := e.Postings("shared")
	if err != nil {
		t.Fatal(err)
	}
	if tp.DocFreq != 4 {
		t.Fatalf("expected doc freq 4, got %d", tp.DocFreq)
	}
	for i, p := range tp.Postings {
		if p.Locator != loc(uint32(i), 1) {
			t.Fatalf("posting %d has locator %+v", i, p.Locator)
		}
	}
}

func TestEngineSerialBuild(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryBudget = 256 << 10
	e := newEngine(t, cfg)
	src := source.Synthetic(source.SyntheticOptions{Docs: 3000, Vocabulary: 500, Seed: 21})
	tracker := progress.NewTracker("serial")
	res, err := e.Build(context.Background(), src, tracker)
	if err != nil {
		t.Fatal(err)
	}
	if res.Parallel || res.Docs != 3000 || res.Segments == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if s := tracker.Snapshot(); s.Phase != progress.PhaseDone || s.Done != 3000 {
		t.Fatalf("unexpected progress %+v", s)
	}

	if _, err := e.ForceMerge(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := src.DocFreqs()
	for _, term := range []string{"t0000", "t0001", "t0100", "t0499"} {
		tp, err := e.Postings(term)
		if err != nil {
			t.Fatal(err)
		}
		if tp.DocFreq != want[term] || len(tp.Postings) != int(want[term]) {
			t.Fatalf("term %s: doc freq %d with %d postings, want %d", term, tp.DocFreq, len(tp.Postings), want[term])
		}
	}
	stats, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalDocs != 3000 {
		t.Fatalf("expected 3000 docs, got %d", stats.TotalDocs)
	}
}

func TestEngineBuildGoesParallelAboveThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.ParallelWorkers = 3
	cfg.ParallelThreshold = 100
	e := newEngine(t, cfg)
	src := source.Synthetic(source.SyntheticOptions{Docs: 600, Vocabulary: 100, Seed: 8, RowsPerBlock: 20})
	res, err := e.Build(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Parallel || res.Docs != 600 {
		t.Fatalf("unexpected result %+v", res)
	}
	levels, err := e.Levels()
	if err != nil {
		t.Fatal(err)
	}
	for _, lvl := range levels {
		if int(lvl.Count) >= cfg.SegmentsPerLevel {
			t.Fatalf("level %d left with %d segments", lvl.Level, lvl.Count)
		}
	}
	tp, err := e.Postings("t0000")
	if err != nil {
		t.Fatal(err)
	}
	if tp.DocFreq != src.DocFreqs()["t0000"] {
		t.Fatalf("doc freq %d, want %d", tp.DocFreq, src.DocFreqs()["t0000"])
	}
}

func TestEngineCloseSpillsAndReopens(t *testing.T) {
	cfg := testConfig(t)
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := e.IndexText(ctx, "persisted words", loc(7, 3)); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.IndexText(ctx, "too late", loc(7, 4)); !errors.Is(err, apperrors.ErrIndexClosed) {
		t.Fatalf("expected ErrIndexClosed, got %v", err)
	}

	reopened := newEngine(t, cfg)
	tp, err := reopened.Postings("persisted")
	if err != nil {
		t.Fatal(err)
	}
	if tp.DocFreq != 1 || tp.Postings[0].Locator != loc(7, 3) {
		t.Fatalf("unexpected postings after reopen %+v", tp)
	}
}
