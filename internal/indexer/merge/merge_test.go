package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const docsPerBlock = 10

// Documents are numbered globally; g maps to a locator and back so merged
// postings can be checked against the documents that produced them.
func locatorOf(g int) segment.Locator {
	return segment.Locator{Block: uint32(g / docsPerBlock), Offset: uint16(g%docsPerBlock + 1)}
}

func globalOf(l segment.Locator) int {
	return int(l.Block)*docsPerBlock + int(l.Offset) - 1
}

func termsOf(g int) ([]string, []int, int) {
	var terms []string
	var freqs []int
	length := 0
	for k := 1; k <= 7; k++ {
		if g%k != 0 {
			continue
		}
		f := g%4 + 1
		terms = append(terms, fmt.Sprintf("k%d", k))
		freqs = append(freqs, f)
		length += f
	}
	return terms, freqs, length
}

func openStore(t *testing.T) *segment.PageStore {
	t.Helper()
	store, err := segment.OpenPageStore(filepath.Join(t.TempDir(), "index.pages"), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func buildSegment(t *testing.T, sink *segment.Sink, globals []int) segment.Location {
	t.Helper()
	bc := index.NewBuildContext(0)
	defer bc.Destroy()
	for _, g := range globals {
		terms, freqs, length := termsOf(g)
		if _, err := bc.AddDocument(terms, freqs, length, locatorOf(g)); err != nil {
			t.Fatal(err)
		}
	}
	loc, err := bc.Flush(sink, segment.WriterOptions{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func rangeOf(from, to, step int) []int {
	var out []int
	for g := from; g < to; g += step {
		out = append(out, g)
	}
	return out
}

func expectedPostings(globals []int) map[string][]int {
	want := map[string][]int{}
	for _, g := range globals {
		terms, _, _ := termsOf(g)
		for _, term := range terms {
			want[term] = append(want[term], g)
		}
	}
	return want
}

// collect maps every term of r to the global document numbers of its
// postings, checking doc id order and frequencies on the way.
func collect(t *testing.T, r *segment.Reader) map[string][]int {
	t.Helper()
	if err := r.LoadDocuments(); err != nil {
		t.Fatal(err)
	}
	locs := r.Locators()
	got := map[string][]int{}
	it := r.Terms()
	for it.Next() {
		term := string(it.Term())
		postings, err := r.ReadAllPostings(it.Entry())
		if err != nil {
			t.Fatal(err)
		}
		if int(it.Entry().DocFreq) != len(postings) {
			t.Fatalf("%s: doc freq %d with %d postings", term, it.Entry().DocFreq, len(postings))
		}
		for i, p := range postings {
			if i > 0 && p.DocID <= postings[i-1].DocID {
				t.Fatalf("%s: doc ids not strictly increasing at %d", term, i)
			}
			g := globalOf(locs[p.DocID])
			if p.Frequency != uint16(g%4+1) {
				t.Fatalf("%s: doc %d has frequency %d", term, g, p.Frequency)
			}
			got[term] = append(got[term], g)
		}
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestMergeSingleSource(t *testing.T) {
	store := openStore(t)
	globals := rangeOf(0, 500, 1)
	src := buildSegment(t, segment.NewPageSink(store), globals)

	if _, err := Merge(context.Background(), store, []SourceRef{PageSource(src.Root)}, segment.NewPageSink(store), Options{}); !errors.Is(err, apperrors.ErrNothingMerged) {
		t.Fatalf("expected nothing merged with one source, got %v", err)
	}

	res, err := Merge(context.Background(), store, []SourceRef{PageSource(src.Root)}, segment.NewPageSink(store), Options{MinSources: 1})
	if err != nil {
		t.Fatal(err)
	}
	orig, err := segment.OpenPages(store, src.Root)
	if err != nil {
		t.Fatal(err)
	}
	merged, err := segment.OpenPages(store, res.Location.Root)
	if err != nil {
		t.Fatal(err)
	}
	if merged.NumDocs() != orig.NumDocs() || merged.NumTerms() != orig.NumTerms() || merged.TotalTokens() != orig.TotalTokens() {
		t.Fatalf("merged segment differs: %d/%d docs, %d/%d terms", merged.NumDocs(), orig.NumDocs(), merged.NumTerms(), orig.NumTerms())
	}
	if !reflect.DeepEqual(collect(t, merged), collect(t, orig)) {
		t.Fatal("merged postings differ from the source")
	}
}

func TestMergeDisjoint(t *testing.T) {
	store := openStore(t)
	ranges := [][2]int{{0, 300}, {300, 700}, {700, 1000}}
	var refs []SourceRef
	var tokens uint64
	for _, rg := range ranges {
		loc := buildSegment(t, segment.NewPageSink(store), rangeOf(rg[0], rg[1], 1))
		refs = append(refs, PageSource(loc.Root))
		r, err := segment.OpenPages(store, loc.Root)
		if err != nil {
			t.Fatal(err)
		}
		tokens += r.TotalTokens()
	}

	res, err := Merge(context.Background(), store, refs, segment.NewPageSink(store), Options{
		Mode:   ModeDisjoint,
		Writer: segment.WriterOptions{Level: 1, Compress: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.NumDocs != 1000 || res.Sources != 3 {
		t.Fatalf("expected 1000 docs from 3 sources, got %d from %d", res.NumDocs, res.Sources)
	}
	r, err := segment.OpenPages(store, res.Location.Root)
	if err != nil {
		t.Fatal(err)
	}
	if r.Level() != 1 || r.TotalTokens() != tokens {
		t.Fatalf("expected level 1 with %d tokens, got level %d with %d", tokens, r.Level(), r.TotalTokens())
	}
	got := collect(t, r)
	want := expectedPostings(rangeOf(0, 1000, 1))
	if !reflect.DeepEqual(got, want) {
		t.Fatal("merged postings do not cover exactly the source documents")
	}
	for i, l := range r.Locators() {
		if globalOf(l) != i {
			t.Fatalf("doc %d has locator %+v", i, l)
		}
	}
}

func TestMergeGeneralInterleaved(t *testing.T) {
	store := openStore(t)
	even := buildSegment(t, segment.NewPageSink(store), rangeOf(0, 600, 2))
	odd := buildSegment(t, segment.NewPageSink(store), rangeOf(1, 600, 2))

	res, err := Merge(context.Background(), store, []SourceRef{PageSource(even.Root), PageSource(odd.Root)}, segment.NewPageSink(store), Options{Mode: ModeGeneral})
	if err != nil {
		t.Fatal(err)
	}
	r, err := segment.OpenPages(store, res.Location.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(collect(t, r), expectedPostings(rangeOf(0, 600, 1))) {
		t.Fatal("interleaved merge lost or reordered postings")
	}
	for i, l := range r.Locators() {
		if globalOf(l) != i {
			t.Fatalf("doc %d has locator %+v", i, l)
		}
	}
}

func TestMergeAutoMode(t *testing.T) {
	store := openStore(t)
	a := buildSegment(t, segment.NewPageSink(store), rangeOf(0, 100, 1))
	b := buildSegment(t, segment.NewPageSink(store), rangeOf(100, 200, 1))
	odd := buildSegment(t, segment.NewPageSink(store), rangeOf(1, 200, 2))

	tests := []struct {
		name string
		refs []SourceRef
		want Mode
	}{
		{"ordered", []SourceRef{PageSource(a.Root), PageSource(b.Root)}, ModeDisjoint},
		{"reversed", []SourceRef{PageSource(b.Root), PageSource(a.Root)}, ModeGeneral},
		{"interleaved", []SourceRef{PageSource(a.Root), PageSource(odd.Root)}, ModeGeneral},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Merge(context.Background(), store, tc.refs, segment.NewPageSink(store), Options{Mode: ModeAuto})
			if err != nil {
				t.Fatal(err)
			}
			if res.Mode != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, res.Mode)
			}
			r, err := segment.OpenPages(store, res.Location.Root)
			if err != nil {
				t.Fatal(err)
			}
			if err := r.LoadDocuments(); err != nil {
				t.Fatal(err)
			}
			locs := r.Locators()
			for i := 1; i < len(locs); i++ {
				if !locs[i-1].Less(locs[i]) && locs[i-1] != locs[i] {
					t.Fatalf("locators out of order at %d", i)
				}
			}
		})
	}
}

func TestDocMapGeneralIsBijection(t *testing.T) {
	store := openStore(t)
	var readers []*segment.Reader
	for _, globals := range [][]int{rangeOf(0, 90, 3), rangeOf(1, 90, 3), rangeOf(2, 90, 3)} {
		loc := buildSegment(t, segment.NewPageSink(store), globals)
		r, err := segment.OpenPages(store, loc.Root)
		if err != nil {
			t.Fatal(err)
		}
		readers = append(readers, r)
	}
	dm, err := BuildDocMap(readers, ModeGeneral)
	if err != nil {
		t.Fatal(err)
	}
	seen := make([]bool, dm.NumDocs())
	for src, r := range readers {
		prev := -1
		for doc := uint32(0); doc < r.NumDocs(); doc++ {
			id := dm.Map(src, doc)
			if seen[id] {
				t.Fatalf("new id %d assigned twice", id)
			}
			seen[id] = true
			if int(id) <= prev {
				t.Fatalf("source %d order not preserved at doc %d", src, doc)
			}
			prev = int(id)
			if dm.Locators[id] != r.Locators()[doc] || dm.Fieldnorms[id] != r.Fieldnorms()[doc] {
				t.Fatalf("source %d doc %d tables not carried to new id %d", src, doc, id)
			}
		}
	}
	for id, ok := range seen {
		if !ok {
			t.Fatalf("new id %d never assigned", id)
		}
	}
}

func TestDocMapTiesFavorEarlierSource(t *testing.T) {
	store := openStore(t)
	var readers []*segment.Reader
	for i := 0; i < 2; i++ {
		loc := buildSegment(t, segment.NewPageSink(store), []int{5})
		r, err := segment.OpenPages(store, loc.Root)
		if err != nil {
			t.Fatal(err)
		}
		readers = append(readers, r)
	}
	dm, err := BuildDocMap(readers, ModeGeneral)
	if err != nil {
		t.Fatal(err)
	}
	if dm.Map(0, 0) != 0 || dm.Map(1, 0) != 1 {
		t.Fatalf("expected the first source to win the tie, got %d and %d", dm.Map(0, 0), dm.Map(1, 0))
	}
}

func TestMergeSkipsUnreadableSource(t *testing.T) {
	store := openStore(t)
	a := buildSegment(t, segment.NewPageSink(store), rangeOf(0, 100, 1))
	b := buildSegment(t, segment.NewPageSink(store), rangeOf(100, 200, 1))
	blank, err := store.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.WritePage(blank, make([]byte, segment.PageSize)); err != nil {
		t.Fatal(err)
	}

	refs := []SourceRef{PageSource(a.Root), PageSource(blank), PageSource(b.Root)}
	res, err := Merge(context.Background(), store, refs, segment.NewPageSink(store), Options{Mode: ModeDisjoint})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sources != 2 || len(res.Skipped) != 1 || res.Skipped[0].Root != blank {
		t.Fatalf("expected the blank page to be skipped, got %d sources and %v", res.Sources, res.Skipped)
	}
	if res.NumDocs != 200 {
		t.Fatalf("expected 200 docs, got %d", res.NumDocs)
	}

	_, err = Merge(context.Background(), store, []SourceRef{PageSource(a.Root), PageSource(blank)}, segment.NewPageSink(store), Options{})
	if !errors.Is(err, apperrors.ErrNothingMerged) {
		t.Fatalf("expected nothing merged, got %v", err)
	}
}

func TestMergeSpillSourcesIntoPages(t *testing.T) {
	store := openStore(t)
	spill, err := segment.CreateSpillFile(filepath.Join(t.TempDir(), "worker.spill"))
	if err != nil {
		t.Fatal(err)
	}
	defer spill.Remove()

	first := buildSegment(t, segment.NewSpillSink(spill), rangeOf(0, 250, 1))
	second := buildSegment(t, segment.NewSpillSink(spill), rangeOf(250, 400, 1))
	if second.Offset != first.Offset+int64(first.Size) {
		t.Fatalf("second segment at %d, expected %d", second.Offset, first.Offset+int64(first.Size))
	}

	refs := []SourceRef{SpillSource(spill, first), SpillSource(spill, second)}
	res, err := Merge(context.Background(), store, refs, segment.NewPageSink(store), Options{Mode: ModeDisjoint})
	if err != nil {
		t.Fatal(err)
	}
	r, err := segment.OpenPages(store, res.Location.Root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(collect(t, r), expectedPostings(rangeOf(0, 400, 1))) {
		t.Fatal("spill merge lost postings")
	}
}

func TestMergeHonorsCancellation(t *testing.T) {
	store := openStore(t)
	a := buildSegment(t, segment.NewPageSink(store), rangeOf(0, 10, 1))
	b := buildSegment(t, segment.NewPageSink(store), rangeOf(10, 20, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Merge(ctx, store, []SourceRef{PageSource(a.Root), PageSource(b.Root)}, segment.NewPageSink(store), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func BenchmarkMergeDisjoint(b *testing.B) {
	store, err := segment.OpenPageStore(filepath.Join(b.TempDir(), "index.pages"), 8<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	var refs []SourceRef
	for s := 0; s < 4; s++ {
		bc := index.NewBuildContext(0)
		for _, g := range rangeOf(s*2000, (s+1)*2000, 1) {
			terms, freqs, length := termsOf(g)
			if _, err := bc.AddDocument(terms, freqs, length, locatorOf(g)); err != nil {
				b.Fatal(err)
			}
		}
		loc, err := bc.Flush(segment.NewPageSink(store), segment.WriterOptions{})
		if err != nil {
			b.Fatal(err)
		}
		bc.Destroy()
		refs = append(refs, PageSource(loc.Root))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Merge(context.Background(), store, refs, segment.NewPageSink(store), Options{Mode: ModeDisjoint}); err != nil {
			b.Fatal(err)
		}
	}
}
