// Package index holds the in-memory side of an index build: per-term posting
// lists accumulated in an arena, and the BuildContext that assigns batch-local
// document ids and flushes a batch to one segment.
package index

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/arena"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const initialDocCapacity = 4096

// BuildContext accumulates one batch of documents. Doc ids start at 0 for
// every batch. It is not safe for concurrent use.
type BuildContext struct {
	arena  *arena.Arena
	terms  *termTable
	budget int64

	fieldnorms []uint8
	locators   []segment.Locator
	numDocs    uint32
	totalLen   uint64
	// broken records a document that failed partway through; the batch
	// refuses adds and flushes until Reset.
	broken error

	readBuf []segment.Posting
	logger  *slog.Logger
}

// NewBuildContext creates a context that asks to be flushed once its arena
// holds budget bytes. A budget of 0 disables ShouldFlush.
func NewBuildContext(budget int64) *BuildContext {
	a := arena.New()
	return &BuildContext{
		arena:      a,
		terms:      newTermTable(a),
		budget:     budget,
		fieldnorms: make([]uint8, 0, initialDocCapacity),
		locators:   make([]segment.Locator, 0, initialDocCapacity),
		readBuf:    make([]segment.Posting, segment.BlockSize),
		logger:     slog.Default().With("component", "build-context"),
	}
}

// AddDocument assigns the next doc id and appends one posting per term.
// terms and freqs are parallel; a term repeated within the document has its
// frequencies summed. An error while appending postings leaves the batch
// unusable until Reset.
func (b *BuildContext) AddDocument(terms []string, freqs []int, docLength int, loc segment.Locator) (uint32, error) {
	if b.broken != nil {
		return 0, apperrors.Invariantf("batch needs a reset after a failed document: %v", b.broken)
	}
	if len(terms) != len(freqs) {
		return 0, fmt.Errorf("%w: %d terms with %d frequencies", apperrors.ErrInvalidInput, len(terms), len(freqs))
	}
	if b.numDocs == math.MaxUint32 {
		return 0, apperrors.Capacityf("batch holds the maximum of %d documents", b.numDocs)
	}
	docID := b.numDocs
	norm := EncodeFieldnorm(docLength)
	for i, term := range terms {
		if freqs[i] <= 0 {
			continue
		}
		postings, err := b.terms.getOrInsert(term)
		if err != nil {
			b.broken = fmt.Errorf("adding term %q: %w", term, err)
			return 0, b.broken
		}
		p := segment.Posting{DocID: docID, Frequency: uint16(min(freqs[i], math.MaxUint16)), Fieldnorm: norm}
		if err := postings.Append(b.arena, p); err != nil {
			b.broken = fmt.Errorf("appending posting for %q: %w", term, err)
			return 0, b.broken
		}
	}
	b.fieldnorms = append(b.fieldnorms, norm)
	b.locators = append(b.locators, loc)
	b.numDocs++
	b.totalLen += uint64(max(docLength, 0))
	return docID, nil
}

// ShouldFlush reports whether the arena has reached the budget.
func (b *BuildContext) ShouldFlush() bool {
	return b.budget > 0 && b.arena.BytesUsed() >= b.budget
}

func (b *BuildContext) NumDocs() uint32 { return b.numDocs }
func (b *BuildContext) TotalLen() uint64 { return b.totalLen }
func (b *BuildContext) NumTerms() int { return b.terms.Len() }
func (b *BuildContext) BytesUsed() int64 { return b.arena.BytesUsed() }

// SortedTerms snapshots the term table in lexicographic order. The result
// aliases arena memory and must not be used after the next AddDocument or
// Reset.
func (b *BuildContext) SortedTerms() []TermPostings {
	return b.terms.sorted()
}

// Flush writes the batch to sink as one segment and resets the context.
func (b *BuildContext) Flush(sink *segment.Sink, opts segment.WriterOptions) (segment.Location, error) {
	if b.broken != nil {
		return segment.Location{}, apperrors.Invariantf("refusing to flush a batch with a failed document: %v", b.broken)
	}
	sorted := b.SortedTerms()
	w, err := segment.NewWriter(sink, opts)
	if err != nil {
		return segment.Location{}, err
	}
	names := make([][]byte, len(sorted))
	for i, tp := range sorted {
		names[i] = tp.Term
	}
	dir, err := w.BeginDictionary(names)
	if err != nil {
		return segment.Location{}, err
	}
	for _, tp := range sorted {
		if err := w.BeginTerm(); err != nil {
			return segment.Location{}, err
		}
		r := tp.Postings.Reader(b.arena)
		for {
			n := r.Read(b.readBuf)
			if n == 0 {
				break
			}
			for _, p := range b.readBuf[:n] {
				if err := w.AddPosting(p); err != nil {
					return segment.Location{}, fmt.Errorf("term %q: %w", tp.Term, err)
				}
			}
		}
		if err := w.EndTerm(dir); err != nil {
			return segment.Location{}, err
		}
	}
	if err := w.WriteDocuments(b.fieldnorms, b.locators); err != nil {
		return segment.Location{}, err
	}
	loc, err := w.Finish(dir, b.totalLen)
	if err != nil {
		return segment.Location{}, err
	}
	b.logger.Debug("batch flushed",
		"docs", b.numDocs,
		"terms", len(sorted),
		"arena", humanize.IBytes(uint64(b.arena.BytesUsed())),
		"segment", humanize.IBytes(loc.Size),
		"sink", loc.Kind,
	)
	b.Reset()
	return loc, nil
}

// Reset drops the batch. Document arrays keep their capacity.
func (b *BuildContext) Reset() {
	b.arena.Reset()
	b.terms.reset()
	b.fieldnorms = b.fieldnorms[:0]
	b.locators = b.locators[:0]
	b.numDocs = 0
	b.totalLen = 0
	b.broken = nil
}

// Destroy releases the arena. The context must not be used afterwards.
func (b *BuildContext) Destroy() {
	b.arena.Destroy()
	b.terms.entries = nil
	b.terms.slots = nil
	b.fieldnorms = nil
	b.locators = nil
}
