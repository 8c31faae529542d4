// Package merge combines several term-sorted segments into one. Sources may
// live in the page store or in a spill file and the output goes to any
// segment.Sink, so the same engine serves level compaction, local compaction
// inside a worker's spill file, and cross-worker merges of a parallel build.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

// DefaultMinSources is the fewest valid sources worth merging.
const DefaultMinSources = 2

// Options configure one merge.
type Options struct {
	Mode   Mode
	Writer segment.WriterOptions
	// MinSources overrides DefaultMinSources when positive.
	MinSources int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Result describes a completed merge.
type Result struct {
	Location    segment.Location
	Header      segment.Header
	Mode        Mode
	Sources     int
	Skipped     []SourceRef
	NumTerms    int
	NumDocs     uint32
	NumPostings int
}

// Merge writes the union of refs into sink. Sources that cannot be opened
// are logged and skipped. If fewer than MinSources remain, nothing is
// written and ErrNothingMerged is returned.
func Merge(ctx context.Context, store *segment.PageStore, refs []SourceRef, sink *segment.Sink, opts Options) (Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("component", "merge")
	}
	minSources := opts.MinSources
	if minSources <= 0 {
		minSources = DefaultMinSources
	}
	start := time.Now()

	var res Result
	sources := make([]*source, 0, len(refs))
	for _, ref := range refs {
		r, err := ref.Open(store)
		if err != nil {
			log.Warn("skipping unreadable merge source", "source", ref.String(), "error", err)
			opts.Metrics.SegmentSkipped()
			res.Skipped = append(res.Skipped, ref)
			continue
		}
		sources = append(sources, newSource(ref, r))
	}
	if len(sources) < minSources {
		return res, fmt.Errorf("%w: %d of %d sources readable", apperrors.ErrNothingMerged, len(sources), len(refs))
	}
	res.Sources = len(sources)

	readers := make([]*segment.Reader, len(sources))
	var totalTokens uint64
	for i, s := range sources {
		readers[i] = s.reader
		totalTokens += s.reader.TotalTokens()
	}
	docs, err := BuildDocMap(readers, opts.Mode)
	if err != nil {
		return res, fmt.Errorf("building doc map: %w", err)
	}

	terms, err := mergeDictionaries(ctx, sources)
	if err != nil {
		return res, fmt.Errorf("merging dictionaries: %w", err)
	}

	w, err := segment.NewWriter(sink, opts.Writer)
	if err != nil {
		return res, err
	}
	keys := make([][]byte, len(terms))
	for i, mt := range terms {
		keys[i] = mt.Term
	}
	dir, err := w.BeginDictionary(keys)
	if err != nil {
		return res, err
	}
	for i, mt := range terms {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if err := w.BeginTerm(); err != nil {
			return res, err
		}
		n, err := writeTermPostings(w, sources, mt, docs, docs.Mode())
		if err != nil {
			return res, fmt.Errorf("merging postings: %w", err)
		}
		res.NumPostings += n
		if err := w.EndTerm(dir); err != nil {
			return res, err
		}
	}
	if err := w.WriteDocuments(docs.Fieldnorms, docs.Locators); err != nil {
		return res, err
	}
	loc, err := w.Finish(dir, totalTokens)
	if err != nil {
		return res, err
	}

	res.Location = loc
	res.Header = w.Header()
	res.NumTerms = len(terms)
	res.NumDocs = docs.NumDocs()
	res.Mode = docs.Mode()
	took := time.Since(start)
	opts.Metrics.MergeTook(docs.Mode().String(), took)
	log.Debug("merged segments",
		"mode", docs.Mode().String(),
		"sources", res.Sources,
		"skipped", len(res.Skipped),
		"terms", res.NumTerms,
		"docs", res.NumDocs,
		"size", humanize.IBytes(res.Header.DataSize),
		"took", took,
	)
	return res, nil
}
