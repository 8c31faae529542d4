package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/compaction"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/parallel"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

// PageFile is the name of an engine's page store inside its data directory.
const PageFile = "index.pages"

// Engine is one index: a page store holding the level chains and the
// in-memory batch being filled. Every structural change (flush, merge,
// build) runs inside the engine's exclusive section.
type Engine struct {
	mu      sync.Mutex
	cfg     config.IndexerConfig
	store   *segment.PageStore
	batch   *index.BuildContext
	ctrl    *compaction.Controller
	metrics *metrics.Metrics
	logger  *slog.Logger
	closed  bool
}

// NewEngine opens (or creates) the index under cfg.DataDir. mtr may be nil.
func NewEngine(cfg config.IndexerConfig, mtr *metrics.Metrics) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	store, err := segment.OpenPageStore(filepath.Join(cfg.DataDir, PageFile), cfg.PageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("opening page store: %w", err)
	}
	e := &Engine{
		cfg:   cfg,
		store: store,
		batch: index.NewBuildContext(cfg.MemoryBudget),
		ctrl: compaction.New(store, compaction.Options{
			SegmentsPerLevel: cfg.SegmentsPerLevel,
			MaxLevels:        cfg.MaxLevels,
			Compress:         cfg.CompressPostings,
			Metrics:          mtr,
		}),
		metrics: mtr,
		logger:  slog.Default().With("component", "indexer", "data_dir", cfg.DataDir),
	}
	meta, err := store.LoadMeta()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading metapage: %w", err)
	}
	segments := uint32(0)
	for _, lm := range meta.Levels {
		segments += lm.Count
	}
	e.logger.Info("index opened",
		"pages", store.NumPages(),
		"size", humanize.IBytes(uint64(store.NumPages())*segment.PageSize),
		"docs", meta.TotalDocs,
		"segments", segments,
	)
	return e, nil
}

// Store exposes the page store for inspection tools.
func (e *Engine) Store() *segment.PageStore { return e.store }

// AddDocument adds one document to the current batch and spills the batch
// once it reaches the memory budget. A capacity error drops the batch.
func (e *Engine) AddDocument(ctx context.Context, terms []string, freqs []int, docLength int, loc segment.Locator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apperrors.ErrIndexClosed
	}
	if _, err := e.batch.AddDocument(terms, freqs, docLength, loc); err != nil {
		if errors.Is(err, apperrors.ErrCapacity) {
			e.logger.Error("batch exceeded its capacity, dropping it", "docs", e.batch.NumDocs(), "error", err)
			e.batch.Reset()
		}
		return fmt.Errorf("adding document %d:%d: %w", loc.Block, loc.Offset, err)
	}
	e.metrics.DocIndexed()
	if e.batch.ShouldFlush() {
		e.logger.Info("batch reached memory budget, spilling",
			"used", humanize.IBytes(uint64(e.batch.BytesUsed())),
			"budget", humanize.IBytes(uint64(e.cfg.MemoryBudget)),
		)
		if _, err := e.spillLocked(ctx); err != nil {
			return fmt.Errorf("spilling batch: %w", err)
		}
	}
	return nil
}

// IndexText tokenizes text and adds it as one document.
func (e *Engine) IndexText(ctx context.Context, text string, loc segment.Locator) error {
	terms, freqs, length := tokenizer.Analyze(text)
	return e.AddDocument(ctx, terms, freqs, length, loc)
}

// Spill writes the current batch as a level 0 segment, compacts, and returns
// the new segment's root, or InvalidBlock when the batch is empty.
func (e *Engine) Spill(ctx context.Context) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return segment.InvalidBlock, apperrors.ErrIndexClosed
	}
	return e.spillLocked(ctx)
}

func (e *Engine) spillLocked(ctx context.Context) (uint32, error) {
	if e.batch.NumDocs() == 0 {
		return segment.InvalidBlock, nil
	}
	docs, tokens := e.batch.NumDocs(), e.batch.TotalLen()
	loc, err := e.batch.Flush(segment.NewPageSink(e.store), segment.WriterOptions{Compress: e.cfg.CompressPostings})
	if err != nil {
		e.metrics.Flush("error")
		e.batch.Reset()
		return segment.InvalidBlock, err
	}
	e.metrics.Flush("ok")
	if err := e.ctrl.Link(0, loc.Root, uint64(docs), tokens); err != nil {
		return segment.InvalidBlock, err
	}
	if err := e.ctrl.MaybeCompact(ctx, 0); err != nil {
		return loc.Root, fmt.Errorf("compacting after spill: %w", err)
	}
	return loc.Root, nil
}

// ForceMerge spills the pending batch, merges every level into the next
// and releases the pages freed at the end of the store. It returns the root
// of the last segment written, or InvalidBlock when nothing was merged.
func (e *Engine) ForceMerge(ctx context.Context) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return segment.InvalidBlock, apperrors.ErrIndexClosed
	}
	if _, err := e.spillLocked(ctx); err != nil {
		return segment.InvalidBlock, err
	}
	root, err := e.ctrl.ForceMergeAll(ctx)
	if err != nil {
		return root, err
	}
	if _, err := compaction.TruncateDeadPages(e.store, e.metrics); err != nil {
		return root, err
	}
	return root, nil
}

// BuildResult summarizes a build.
type BuildResult struct {
	Parallel bool
	Docs     uint64
	Segments int
	Took     time.Duration
}

// Build indexes every row of src. Sources estimated at ParallelThreshold
// rows or more are built by the parallel builder when workers are
// configured; smaller ones are scanned serially into the engine's batch.
// tracker may be nil.
func (e *Engine) Build(ctx context.Context, src source.RowSource, tracker *progress.Tracker) (BuildResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return BuildResult{}, apperrors.ErrIndexClosed
	}
	start := time.Now()
	est, err := src.EstimateRows(ctx)
	if err != nil {
		return BuildResult{}, fmt.Errorf("estimating rows: %w", err)
	}
	tracker.SetTotal(est)

	var res BuildResult
	if e.cfg.ParallelWorkers > 0 && est >= e.cfg.ParallelThreshold {
		pres, err := parallel.Build(ctx, e.store, src, parallel.Options{
			Workers:           e.cfg.ParallelWorkers,
			MaintenanceMemory: e.cfg.MaintenanceMemory,
			SegmentsPerLevel:  e.ctrl.SegmentsPerLevel(),
			MaxLevels:         e.cfg.MaxLevels,
			Compress:          e.cfg.CompressPostings,
			TempDir:           e.cfg.DataDir,
			BuildID:           tracker.ID(),
			Progress:          tracker,
			Metrics:           e.metrics,
		})
		if err != nil {
			return BuildResult{}, err
		}
		if err := e.ctrl.MaybeCompact(ctx, 0); err != nil {
			return BuildResult{}, fmt.Errorf("compacting after parallel build: %w", err)
		}
		res = BuildResult{Parallel: true, Docs: pres.Docs, Segments: len(pres.Linked)}
	} else {
		res, err = e.buildSerial(ctx, src, tracker)
		if err != nil {
			tracker.SetPhase(progress.PhaseFailed)
			return BuildResult{}, err
		}
	}
	res.Took = time.Since(start)
	e.logger.Info("build finished",
		"parallel", res.Parallel,
		"docs", res.Docs,
		"segments", res.Segments,
		"took", res.Took,
	)
	return res, nil
}

// buildSerial scans the whole source into the batch, spilling on budget.
func (e *Engine) buildSerial(ctx context.Context, src source.RowSource, tracker *progress.Tracker) (BuildResult, error) {
	log := logger.WithBuild(logger.WithBuildID(ctx, tracker.ID()), "serial-build")
	tracker.SetPhase(progress.PhaseLoading)
	nblocks, err := src.NumBlocks(ctx)
	if err != nil {
		return BuildResult{}, fmt.Errorf("sizing row source: %w", err)
	}
	var res BuildResult
	scanned := 0
	err = src.Scan(ctx, 0, nblocks, func(r source.Row) error {
		if _, err := e.batch.AddDocument(r.Terms, r.Freqs, r.DocLength, r.Locator); err != nil {
			return err
		}
		scanned++
		res.Docs++
		tracker.Add(1)
		e.metrics.DocIndexed()
		if !e.batch.ShouldFlush() {
			return nil
		}
		root, err := e.spillLocked(ctx)
		if err == nil && root != segment.InvalidBlock {
			res.Segments++
		}
		return err
	})
	e.metrics.TuplesScanned(scanned)
	if err != nil {
		e.batch.Reset()
		return BuildResult{}, fmt.Errorf("scanning source: %w", err)
	}
	tracker.SetPhase(progress.PhaseWriting)
	root, err := e.spillLocked(ctx)
	if err != nil {
		return BuildResult{}, err
	}
	if root != segment.InvalidBlock {
		res.Segments++
	}
	tracker.SetPhase(progress.PhaseDone)
	log.Debug("serial build scanned source", "blocks", nblocks, "rows", scanned, "flushes", res.Segments)
	return res, nil
}

// Posting is one occurrence of a term, addressed by its source document.
type Posting struct {
	Locator   segment.Locator
	Frequency uint16
	Fieldnorm uint8
}

// TermPostings is a term's postings across every linked segment.
type TermPostings struct {
	Term     string
	DocFreq  uint32
	Postings []Posting
}

// Postings looks up term in every linked segment, oldest first. A term that
// tokenizes to a single word is normalized the way documents are. The
// pending batch is not searched.
func (e *Engine) Postings(term string) (TermPostings, error) {
	if terms := tokenizer.Terms(term); len(terms) == 1 {
		term = terms[0]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := TermPostings{Term: term}
	levels, err := e.ctrl.Levels()
	if err != nil {
		return out, err
	}
	for _, lvl := range levels {
		for _, root := range lvl.Roots {
			r, err := segment.OpenPages(e.store, root)
			if err != nil {
				e.logger.Warn("skipping unreadable segment", "level", lvl.Level, "root", root, "error", err)
				continue
			}
			i, ok, err := r.Lookup([]byte(term))
			if err != nil {
				return out, fmt.Errorf("segment %d: %w", root, err)
			}
			if !ok {
				continue
			}
			entry, err := r.Entry(i)
			if err != nil {
				return out, err
			}
			postings, err := r.ReadAllPostings(entry)
			if err != nil {
				return out, fmt.Errorf("segment %d term %q: %w", root, term, err)
			}
			if err := r.LoadDocuments(); err != nil {
				return out, err
			}
			locs := r.Locators()
			out.DocFreq += entry.DocFreq
			for _, p := range postings {
				out.Postings = append(out.Postings, Posting{Locator: locs[p.DocID], Frequency: p.Frequency, Fieldnorm: p.Fieldnorm})
			}
		}
	}
	return out, nil
}

// Levels lists the segments of every level chain.
func (e *Engine) Levels() ([]compaction.LevelInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Levels()
}

// Stats are the index-wide totals.
type Stats struct {
	TotalDocs    uint64
	TotalLen     uint64
	AvgDocLength float64
	PendingDocs  uint32
	Pages        uint32
}

func (e *Engine) Stats() (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.store.LoadMeta()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{TotalDocs: m.TotalDocs, TotalLen: m.TotalLen, PendingDocs: e.batch.NumDocs(), Pages: e.store.NumPages()}
	if m.TotalDocs > 0 {
		s.AvgDocLength = float64(m.TotalLen) / float64(m.TotalDocs)
	}
	return s, nil
}

// StartFlushLoop spills a non-empty batch every FlushInterval until ctx is
// done, then spills once more.
func (e *Engine) StartFlushLoop(ctx context.Context) {
	if e.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.FlushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("flush loop stopping, performing final spill")
				if _, err := e.Spill(context.Background()); err != nil && !errors.Is(err, apperrors.ErrIndexClosed) {
					e.logger.Error("final spill failed", "error", err)
				}
				return
			case <-ticker.C:
				if _, err := e.Spill(ctx); err != nil && !errors.Is(err, apperrors.ErrIndexClosed) {
					e.logger.Error("periodic spill failed", "error", err)
				}
			}
		}
	}()
}

// Close spills the pending batch and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, err := e.spillLocked(context.Background()); err != nil {
		e.logger.Error("final spill on close failed", "error", err)
	}
	e.closed = true
	e.batch.Destroy()
	if err := e.store.Sync(); err != nil {
		e.store.Close()
		return err
	}
	return e.store.Close()
}
