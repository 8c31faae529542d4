package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// localSegment is a live segment in a worker's spill file. seq orders
// segments by production.
type localSegment struct {
	loc segment.Location
	seq int
}

// worker owns one block range, one build context and one spill file.
type worker struct {
	id         int
	sh         *shared
	start, end uint32
	spill      *segment.SpillFile
	levels     [][]localSegment
	seq        int

	docs    uint64
	tokens  uint64
	flushes int
	err     error
	logger  *slog.Logger
}

// run executes both phases. The worker reaches the barrier whatever phase 1
// returned, so the coordinator's wait always completes.
func (w *worker) run(ctx context.Context) error {
	w.err = w.phase1(ctx)
	if w.err != nil {
		w.sh.cancel()
	}
	w.sh.barrier.arrive()
	if !w.sh.barrier.waitPhase2() {
		return w.err
	}
	return w.phase2(ctx)
}

func (w *worker) phase1(ctx context.Context) error {
	bc := index.NewBuildContext(w.sh.budget)
	defer bc.Destroy()

	scanned := 0
	err := w.sh.src.Scan(ctx, w.start, w.end, func(r source.Row) error {
		if _, err := bc.AddDocument(r.Terms, r.Freqs, r.DocLength, r.Locator); err != nil {
			return err
		}
		scanned++
		w.sh.tuples.Add(1)
		w.sh.opts.Progress.Add(1)
		if bc.ShouldFlush() || (w.sh.opts.BatchDocs > 0 && int(bc.NumDocs()) >= w.sh.opts.BatchDocs) {
			return w.flush(ctx, bc)
		}
		return nil
	})
	w.sh.opts.Metrics.TuplesScanned(scanned)
	if err != nil {
		return fmt.Errorf("worker %d scanning blocks [%d, %d): %w", w.id, w.start, w.end, err)
	}
	if bc.NumDocs() > 0 {
		if err := w.flush(ctx, bc); err != nil {
			return fmt.Errorf("worker %d final flush: %w", w.id, err)
		}
	}
	w.logger.Debug("phase 1 finished",
		"blocks", w.end-w.start,
		"rows", scanned,
		"flushes", w.flushes,
		"segments", len(w.segments()),
	)
	return nil
}

// flush writes the batch to the spill file as a level 0 segment and
// compacts the worker's own levels.
func (w *worker) flush(ctx context.Context, bc *index.BuildContext) error {
	docs, tokens := bc.NumDocs(), bc.TotalLen()
	loc, err := bc.Flush(segment.NewSpillSink(w.spill), segment.WriterOptions{Compress: w.sh.opts.Compress})
	if err != nil {
		w.sh.opts.Metrics.Flush("error")
		return fmt.Errorf("flushing batch to spill: %w", err)
	}
	w.sh.opts.Metrics.Flush("ok")
	w.docs += uint64(docs)
	w.tokens += tokens
	w.flushes++
	w.push(0, loc)
	return w.compact(ctx)
}

func (w *worker) push(level int, loc segment.Location) {
	w.levels[level] = append(w.levels[level], localSegment{loc: loc, seq: w.seq})
	w.seq++
}

// compact merges any level holding a full fan-in into the next one, inside
// the spill file. Segments of one worker never interleave, so the document
// map is a concatenation.
func (w *worker) compact(ctx context.Context) error {
	fanIn := w.sh.opts.SegmentsPerLevel
	for level := 0; level < w.sh.opts.MaxLevels-1 && len(w.levels[level]) >= fanIn; level++ {
		refs := make([]merge.SourceRef, fanIn)
		for i, s := range w.levels[level][:fanIn] {
			refs[i] = merge.SpillSource(w.spill, s.loc)
		}
		res, err := merge.Merge(ctx, nil, refs, segment.NewSpillSink(w.spill), merge.Options{
			Mode:    merge.ModeDisjoint,
			Writer:  segment.WriterOptions{Level: uint32(level + 1), Compress: w.sh.opts.Compress},
			Metrics: w.sh.opts.Metrics,
			Logger:  w.logger,
		})
		if err != nil {
			return fmt.Errorf("local merge of level %d: %w", level, err)
		}
		w.levels[level] = append([]localSegment(nil), w.levels[level][fanIn:]...)
		w.push(level+1, res.Location)
	}
	return nil
}

// segments lists the live segments in production order.
func (w *worker) segments() []Spilled {
	var live []localSegment
	var lvls []uint32
	for level, segs := range w.levels {
		for _, s := range segs {
			live = append(live, s)
			lvls = append(lvls, uint32(level))
		}
	}
	idx := make([]int, len(live))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return live[idx[a]].seq < live[idx[b]].seq })
	out := make([]Spilled, len(live))
	for i, j := range idx {
		out[i] = Spilled{Worker: w.id, Level: lvls[j], Loc: live[j].loc}
	}
	return out
}

// phase2 copies the worker's ungrouped segments into the store, then takes
// merge groups until none are left.
func (w *worker) phase2(ctx context.Context) error {
	plan := w.sh.plan
	for _, c := range plan.CopiesOf(w.id) {
		if err := w.copySegment(c); err != nil {
			return err
		}
	}
	for {
		g := int(w.sh.nextGroup.Add(1) - 1)
		if g >= len(plan.Groups) {
			return nil
		}
		if err := w.runGroup(ctx, g); err != nil {
			return err
		}
	}
}

func (w *worker) copySegment(c Copy) error {
	s := w.sh.plan.Segments[c.Segment]
	r, err := segment.OpenSpill(w.spill, s.Loc)
	if err != nil {
		return fmt.Errorf("worker %d reopening spilled segment at %d: %w", w.id, s.Loc.Offset, err)
	}
	first, err := w.sh.store.ClaimPages(c.Pages)
	if err != nil {
		return err
	}
	w.sh.opts.Metrics.PagesClaimed(c.Pages)
	loc, err := segment.CopySegment(r, segment.NewRangePageSink(w.sh.store, first, c.Pages))
	if err != nil {
		return fmt.Errorf("worker %d copying segment into pages %d+%d: %w", w.id, first, c.Pages, err)
	}
	w.sh.copyRoots[c.Segment] = loc.Root
	return nil
}

// runGroup executes one merge group. Inputs produced by earlier groups are
// awaited first; group indexes only ever depend on lower ones, so the
// lowest unfinished group can always proceed.
func (w *worker) runGroup(ctx context.Context, gi int) error {
	gs := &w.sh.groups[gi]
	defer close(gs.done)
	g := w.sh.plan.Groups[gi]

	refs := make([]merge.SourceRef, 0, len(g.Members))
	for _, m := range g.Members {
		if m.Segment >= 0 {
			s := w.sh.plan.Segments[m.Segment]
			refs = append(refs, merge.SpillSource(w.sh.spills[s.Worker], s.Loc))
			continue
		}
		dep := &w.sh.groups[m.Group]
		select {
		case <-dep.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !dep.ok {
			w.logger.Warn("merge group input produced nothing", "group", gi, "input_group", m.Group)
			continue
		}
		refs = append(refs, merge.SpillSource(dep.spill, dep.loc))
	}

	var sink *segment.Sink
	if g.Intermediate {
		spill, err := segment.CreateSpillFile(filepath.Join(w.sh.dir, fmt.Sprintf("group-%d.spill", gi)))
		if err != nil {
			return err
		}
		gs.spill = spill
		sink = segment.NewSpillSink(spill)
	} else {
		first, err := w.sh.store.ClaimPages(g.Pages)
		if err != nil {
			return err
		}
		w.sh.opts.Metrics.PagesClaimed(g.Pages)
		sink = segment.NewRangePageSink(w.sh.store, first, g.Pages)
	}

	res, err := merge.Merge(ctx, w.sh.store, refs, sink, merge.Options{
		Mode:       merge.ModeAuto,
		Writer:     segment.WriterOptions{Level: g.Level + 1, Compress: w.sh.opts.Compress},
		MinSources: 1,
		Metrics:    w.sh.opts.Metrics,
		Logger:     w.logger,
	})
	if errors.Is(err, apperrors.ErrNothingMerged) {
		w.logger.Warn("merge group had no readable inputs", "group", gi, "level", g.Level)
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge group %d at level %d: %w", gi, g.Level, err)
	}
	gs.loc = res.Location
	gs.ok = true
	w.logger.Debug("merge group finished",
		"group", gi,
		"level", g.Level,
		"inputs", len(refs),
		"mode", res.Mode,
		"docs", res.NumDocs,
		"intermediate", g.Intermediate,
	)
	return nil
}
