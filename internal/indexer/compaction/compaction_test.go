package compaction

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

func openStore(t *testing.T) *segment.PageStore {
	t.Helper()
	store, err := segment.OpenPageStore(filepath.Join(t.TempDir(), "index.pages"), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// flushDocs writes docs [from, to) with a small fixed vocabulary and links
// the segment at level 0.
func flushDocs(t *testing.T, store *segment.PageStore, c *Controller, from, to int) segment.Location {
	t.Helper()
	bc := index.NewBuildContext(0)
	defer bc.Destroy()
	for d := from; d < to; d++ {
		terms := []string{"all", fmt.Sprintf("mod%d", d%5)}
		if _, err := bc.AddDocument(terms, []int{1, 2}, 3, segment.Locator{Block: uint32(d / 50), Offset: uint16(d%50 + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	loc, err := bc.Flush(segment.NewPageSink(store), segment.WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Link(0, loc.Root, uint64(to-from), uint64(3*(to-from))); err != nil {
		t.Fatal(err)
	}
	return loc
}

func countDocs(t *testing.T, store *segment.PageStore, c *Controller) uint64 {
	t.Helper()
	levels, err := c.Levels()
	if err != nil {
		t.Fatal(err)
	}
	var total uint64
	for _, lvl := range levels {
		if int(lvl.Count) != len(lvl.Roots) {
			t.Fatalf("level %d counts %d segments but links %d", lvl.Level, lvl.Count, len(lvl.Roots))
		}
		for _, root := range lvl.Roots {
			r, err := segment.OpenPages(store, root)
			if err != nil {
				t.Fatal(err)
			}
			if int(r.Level()) != lvl.Level {
				t.Fatalf("segment %d on level %d records level %d", root, lvl.Level, r.Level())
			}
			total += uint64(r.NumDocs())
		}
	}
	return total
}

func TestMaybeCompactKeepsLevelsBelowFanIn(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{SegmentsPerLevel: 3})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		flushDocs(t, store, c, i*5, i*5+5)
		if err := c.MaybeCompact(ctx, 0); err != nil {
			t.Fatal(err)
		}
		m, err := store.LoadMeta()
		if err != nil {
			t.Fatal(err)
		}
		for level, lvl := range m.Levels {
			if int(lvl.Count) >= c.SegmentsPerLevel() {
				t.Fatalf("after %d flushes level %d holds %d segments", i+1, level, lvl.Count)
			}
		}
	}
	if got := countDocs(t, store, c); got != 100 {
		t.Fatalf("expected 100 docs across levels, got %d", got)
	}
	m, err := store.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalDocs != 100 || m.TotalLen != 300 {
		t.Fatalf("unexpected totals: %d docs, %d tokens", m.TotalDocs, m.TotalLen)
	}
	// 20 flushes = 2*9 + 0*3 + 2: two at level 2, none at 1, two at 0.
	if m.Levels[0].Count != 2 || m.Levels[1].Count != 0 || m.Levels[2].Count != 2 {
		t.Fatalf("unexpected level counts %d/%d/%d", m.Levels[0].Count, m.Levels[1].Count, m.Levels[2].Count)
	}
}

func TestMergeLevelConsumesFromHead(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{SegmentsPerLevel: 8})
	var locs []segment.Location
	for i := 0; i < 5; i++ {
		locs = append(locs, flushDocs(t, store, c, i*10, i*10+10))
	}
	root, err := c.MergeLevel(context.Background(), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	levels, err := c.Levels()
	if err != nil {
		t.Fatal(err)
	}
	if len(levels[0].Roots) != 2 || levels[0].Roots[0] != locs[3].Root || levels[0].Roots[1] != locs[4].Root {
		t.Fatalf("expected the two newest segments to remain, got %v", levels[0].Roots)
	}
	if len(levels[1].Roots) != 1 || levels[1].Roots[0] != root {
		t.Fatalf("expected merged segment %d at level 1, got %v", root, levels[1].Roots)
	}
	r, err := segment.OpenPages(store, root)
	if err != nil {
		t.Fatal(err)
	}
	if r.NumDocs() != 30 {
		t.Fatalf("expected 30 docs, got %d", r.NumDocs())
	}
}

func TestMergeLevelSkipsUnreadableSegment(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{SegmentsPerLevel: 3})
	flushDocs(t, store, c, 0, 10)
	bad := flushDocs(t, store, c, 10, 20)
	flushDocs(t, store, c, 20, 30)
	if err := store.WritePage(bad.PageIndex, make([]byte, segment.PageSize)); err != nil {
		t.Fatal(err)
	}
	if err := c.MaybeCompact(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	levels, err := c.Levels()
	if err != nil {
		t.Fatal(err)
	}
	if levels[0].Count != 0 || levels[1].Count != 1 {
		t.Fatalf("expected all level 0 segments consumed, got %d/%d", levels[0].Count, levels[1].Count)
	}
	r, err := segment.OpenPages(store, levels[1].Roots[0])
	if err != nil {
		t.Fatal(err)
	}
	if r.NumDocs() != 20 {
		t.Fatalf("expected the two readable segments merged, got %d docs", r.NumDocs())
	}
}

func TestMergeLevelLeavesLevelWhenNothingMerged(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{SegmentsPerLevel: 2})
	flushDocs(t, store, c, 0, 10)
	bad := flushDocs(t, store, c, 10, 20)
	if err := store.WritePage(bad.PageIndex, make([]byte, segment.PageSize)); err != nil {
		t.Fatal(err)
	}
	if err := c.MaybeCompact(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	m, err := store.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if m.Levels[0].Count != 2 || m.Levels[1].Count != 0 {
		t.Fatalf("expected level 0 untouched, got %d/%d", m.Levels[0].Count, m.Levels[1].Count)
	}
}

func TestMergeTopLevelIsRefused(t *testing.T) {
	c := New(openStore(t), Options{MaxLevels: 4})
	root, err := c.MergeLevel(context.Background(), 3, 8)
	if err != nil || root != segment.InvalidBlock {
		t.Fatalf("expected a refused merge, got %d, %v", root, err)
	}
}

// Ten thousand documents over a Zipf-distributed 500 term vocabulary, four
// flushes, one force merge.
func TestForceMergeZipfCorpus(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{SegmentsPerLevel: 8, Compress: true})
	rng := rand.New(rand.NewSource(42))
	zipf := rand.NewZipf(rng, 1.1, 1, 499)

	const numDocs = 10000
	docFreq := map[string]uint32{}
	bc := index.NewBuildContext(0)
	defer bc.Destroy()
	flushes := 0
	var batchLen uint64
	batchStart := 0
	for d := 0; d < numDocs; d++ {
		counts := map[string]int{}
		n := 5 + rng.Intn(20)
		for i := 0; i < n; i++ {
			counts[fmt.Sprintf("w%03d", zipf.Uint64())]++
		}
		var terms []string
		var freqs []int
		for term, f := range counts {
			terms = append(terms, term)
			freqs = append(freqs, f)
			docFreq[term]++
		}
		if _, err := bc.AddDocument(terms, freqs, n, segment.Locator{Block: uint32(d / 100), Offset: uint16(d%100 + 1)}); err != nil {
			t.Fatal(err)
		}
		batchLen += uint64(n)
		if (d+1)%(numDocs/4) == 0 {
			loc, err := bc.Flush(segment.NewPageSink(store), segment.WriterOptions{Compress: true})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Link(0, loc.Root, uint64(d+1-batchStart), batchLen); err != nil {
				t.Fatal(err)
			}
			if err := c.MaybeCompact(context.Background(), 0); err != nil {
				t.Fatal(err)
			}
			flushes++
			batchStart, batchLen = d+1, 0
		}
	}
	m, err := store.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if flushes != 4 || m.Levels[0].Count != 4 {
		t.Fatalf("expected 4 level 0 segments, got %d after %d flushes", m.Levels[0].Count, flushes)
	}

	root, err := c.ForceMergeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	levels, err := c.Levels()
	if err != nil {
		t.Fatal(err)
	}
	if levels[0].Count != 0 || levels[1].Count != 1 || levels[1].Roots[0] != root {
		t.Fatalf("expected one level 1 segment, got levels %+v", levels[:2])
	}
	r, err := segment.OpenPages(store, root)
	if err != nil {
		t.Fatal(err)
	}
	if r.NumDocs() != numDocs {
		t.Fatalf("expected %d docs, got %d", numDocs, r.NumDocs())
	}
	if r.NumTerms() != len(docFreq) {
		t.Fatalf("expected %d terms, got %d", len(docFreq), r.NumTerms())
	}
	it := r.Terms()
	for it.Next() {
		if want := docFreq[string(it.Term())]; it.Entry().DocFreq != want {
			t.Fatalf("%s: expected doc freq %d, got %d", it.Term(), want, it.Entry().DocFreq)
		}
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Extend(10); err != nil {
		t.Fatal(err)
	}
	removed, err := TruncateDeadPages(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	hwm, err := HighWaterMark(store)
	if err != nil {
		t.Fatal(err)
	}
	if removed < 10 || store.NumPages() != hwm {
		t.Fatalf("truncate removed %d pages, store has %d, high-water mark %d", removed, store.NumPages(), hwm)
	}
	if _, err := segment.OpenPages(store, root); err != nil {
		t.Fatalf("merged segment unreadable after truncate: %v", err)
	}
}

func TestForceMergeAllWithNothingToDo(t *testing.T) {
	store := openStore(t)
	c := New(store, Options{})
	flushDocs(t, store, c, 0, 10)
	root, err := c.ForceMergeAll(context.Background())
	if err != nil || root != segment.InvalidBlock {
		t.Fatalf("expected no merge, got %d, %v", root, err)
	}
}
