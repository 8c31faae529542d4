// Package parallel builds an index from a row source with several workers.
//
// Phase 1: each worker scans a disjoint block range into its own build
// context, spilling batches to a private spill file and compacting them
// there. At the barrier the coordinator plans cross-worker merge groups,
// pre-extends the page store for all of phase 2 and points the store's claim
// counter at the new region. Phase 2: workers copy their ungrouped segments
// into pages they bulk-claim, then steal merge groups from a shared counter.
// Finally the coordinator links every output into the level chains and
// truncates the unused tail of the reservation.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/compaction"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

const (
	// MaxWorkers caps the number of workers launched for one build.
	MaxWorkers = 64
	// DefaultMinWorkerBudget is the smallest per-worker memory budget.
	DefaultMinWorkerBudget int64 = 64 << 20
)

type Options struct {
	Workers int
	// MaintenanceMemory is split evenly between workers, subject to
	// MinWorkerBudget.
	MaintenanceMemory int64
	MinWorkerBudget   int64
	// BatchDocs, when positive, also flushes a worker's batch after that
	// many documents.
	BatchDocs        int
	SegmentsPerLevel int
	MaxLevels        int
	Compress         bool
	// TempDir holds the build's spill directory. Empty means os.TempDir().
	TempDir  string
	BuildID  string
	Progress *progress.Tracker
	Metrics  *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MinWorkerBudget <= 0 {
		o.MinWorkerBudget = DefaultMinWorkerBudget
	}
	if o.SegmentsPerLevel < 2 {
		o.SegmentsPerLevel = compaction.DefaultSegmentsPerLevel
	}
	if o.MaxLevels <= 0 || o.MaxLevels > segment.MaxLevels {
		o.MaxLevels = segment.MaxLevels
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.BuildID == "" {
		o.BuildID = uuid.NewString()
	}
	return o
}

// spillDirName is the single path component holding a build's spill files.
// Separators in child tracker IDs such as "build/shard-0" are replaced.
func spillDirName(buildID string) string {
	return "bm25-build-" + strings.NewReplacer("/", "-", `\`, "-", "..", "-").Replace(buildID)
}

// Linked is one segment the build linked into a level chain.
type Linked struct {
	Level uint32
	Root  uint32
}

type Result struct {
	BuildID string
	Workers int
	Docs    uint64
	Tokens  uint64
	Plan    *Plan
	Linked  []Linked
	// PagesReserved were pre-extended at the barrier, PagesClaimed were
	// handed out to phase 2 tasks and PagesTruncated were released after
	// linking.
	PagesReserved  uint32
	PagesClaimed   uint32
	PagesTruncated uint32
}

// groupState is written by the worker running the group before done is
// closed and read by dependents after it is.
type groupState struct {
	done  chan struct{}
	ok    bool
	loc   segment.Location
	spill *segment.SpillFile
}

// shared is the state every worker can see. plan, groups and copyRoots are
// set by the coordinator before the phase 2 release.
type shared struct {
	store   *segment.PageStore
	src     source.RowSource
	opts    Options
	budget  int64
	dir     string
	spills  []*segment.SpillFile
	barrier *barrier
	cancel  context.CancelFunc

	tuples    atomic.Int64
	nextGroup atomic.Uint32
	firstPage uint32

	plan      *Plan
	groups    []groupState
	copyRoots []uint32
}

// Build indexes every row of src into store and links the results. The
// store's existing chains are kept; new segments are appended to them.
func Build(ctx context.Context, store *segment.PageStore, src source.RowSource, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("%w: %d requested", apperrors.ErrNoWorkers, opts.Workers)
	}
	launched := min(opts.Workers, MaxWorkers)
	ctx = logger.WithBuildID(ctx, opts.BuildID)
	log := logger.WithBuild(ctx, "parallel-build")

	nblocks, err := src.NumBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing row source: %w", err)
	}
	if est, err := src.EstimateRows(ctx); err == nil {
		opts.Progress.SetTotal(est)
	}
	opts.Progress.SetPhase(progress.PhaseLoading)

	budget := max(opts.MaintenanceMemory/int64(launched), opts.MinWorkerBudget)
	dir := filepath.Join(opts.TempDir, spillDirName(opts.BuildID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spill directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sh := &shared{
		store:   store,
		src:     src,
		opts:    opts,
		budget:  budget,
		dir:     dir,
		spills:  make([]*segment.SpillFile, launched),
		barrier: newBarrier(launched),
		cancel:  cancel,
	}
	defer func() {
		if err := sh.cleanup(); err != nil {
			log.Warn("removing spill files failed", "dir", dir, "error", err)
		}
	}()
	for i := range sh.spills {
		spill, err := segment.CreateSpillFile(filepath.Join(dir, fmt.Sprintf("worker-%d.spill", i)))
		if err != nil {
			return nil, err
		}
		sh.spills[i] = spill
	}

	log.Info("parallel build starting",
		"workers", launched,
		"blocks", nblocks,
		"worker_budget", humanize.IBytes(uint64(budget)),
		"fan_in", opts.SegmentsPerLevel,
	)
	start := time.Now()

	workers := make([]*worker, launched)
	perWorker, remainder := nblocks/uint32(launched), nblocks%uint32(launched)
	var next uint32
	for i := range workers {
		n := perWorker
		if uint32(i) < remainder {
			n++
		}
		workers[i] = &worker{
			id:     i,
			sh:     sh,
			start:  next,
			end:    next + n,
			spill:  sh.spills[i],
			levels: make([][]localSegment, opts.MaxLevels),
			logger: log.With("worker", i),
		}
		next += n
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.run(gctx) })
	}

	sh.barrier.waitPhase1()
	opts.Metrics.PhaseTook("scan", time.Since(start))
	if err := phase1Error(workers); err != nil {
		sh.barrier.release(true)
		g.Wait()
		opts.Progress.SetPhase(progress.PhaseFailed)
		return nil, err
	}

	res, err := sh.prepare(workers, log)
	if err != nil {
		sh.barrier.release(true)
		g.Wait()
		opts.Progress.SetPhase(progress.PhaseFailed)
		return nil, err
	}
	opts.Progress.SetPhase(progress.PhaseWriting)
	writeStart := time.Now()
	sh.barrier.release(false)
	if err := g.Wait(); err != nil {
		opts.Progress.SetPhase(progress.PhaseFailed)
		return nil, err
	}
	opts.Metrics.PhaseTook("write", time.Since(writeStart))
	res.PagesClaimed = store.ClaimedThrough() - sh.firstPage

	opts.Progress.SetPhase(progress.PhaseLinking)
	linkStart := time.Now()
	if err := sh.link(res); err != nil {
		opts.Progress.SetPhase(progress.PhaseFailed)
		return nil, err
	}
	truncated, err := compaction.TruncateDeadPages(store, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("truncating unused reservation: %w", err)
	}
	res.PagesTruncated = truncated
	opts.Metrics.PhaseTook("link", time.Since(linkStart))
	opts.Progress.SetPhase(progress.PhaseDone)

	log.Info("parallel build finished",
		"docs", res.Docs,
		"tuples", sh.tuples.Load(),
		"segments", len(res.Linked),
		"groups", len(res.Plan.Groups),
		"pages_reserved", res.PagesReserved,
		"pages_claimed", res.PagesClaimed,
		"pages_truncated", res.PagesTruncated,
		"took", time.Since(start),
	)
	return res, nil
}

// phase1Error picks the error that stopped phase 1. Workers cancelled
// because a peer failed report context.Canceled, so the peer's error wins.
func phase1Error(workers []*worker) error {
	var first error
	for _, w := range workers {
		if w.err == nil {
			continue
		}
		if !errors.Is(w.err, context.Canceled) {
			return w.err
		}
		if first == nil {
			first = w.err
		}
	}
	return first
}

// prepare runs at the barrier: it plans phase 2, reserves its pages and
// publishes the plan to the workers.
func (sh *shared) prepare(workers []*worker, log *slog.Logger) (*Result, error) {
	perWorker := make([][]Spilled, len(workers))
	res := &Result{BuildID: sh.opts.BuildID, Workers: len(workers)}
	for i, w := range workers {
		perWorker[i] = w.segments()
		res.Docs += w.docs
		res.Tokens += w.tokens
	}
	plan, err := BuildPlan(perWorker, sh.opts.SegmentsPerLevel, sh.opts.MaxLevels)
	if err != nil {
		return nil, fmt.Errorf("planning merge groups: %w", err)
	}
	res.Plan = plan

	first := sh.store.NumPages()
	if plan.TotalPages > 0 {
		if first, err = sh.store.Extend(plan.TotalPages); err != nil {
			return nil, fmt.Errorf("pre-extending %d pages: %w", plan.TotalPages, err)
		}
	}
	if err := sh.store.SetNextPage(first, first+plan.TotalPages); err != nil {
		return nil, err
	}
	sh.firstPage = first
	res.PagesReserved = plan.TotalPages

	sh.plan = plan
	sh.groups = make([]groupState, len(plan.Groups))
	for i := range sh.groups {
		sh.groups[i].done = make(chan struct{})
	}
	sh.copyRoots = make([]uint32, len(plan.Segments))
	log.Info("phase 2 planned",
		"segments", len(plan.Segments),
		"copies", len(plan.Copies),
		"groups", len(plan.Groups),
		"full_groups", plan.FullGroups(),
		"reserved", humanize.IBytes(uint64(plan.TotalPages)*segment.PageSize),
	)
	return res, nil
}

// link appends copies in worker order, then group outputs in plan order.
func (sh *shared) link(res *Result) error {
	store := sh.store
	if err := store.Sync(); err != nil {
		return err
	}
	meta, err := store.LoadMeta()
	if err != nil {
		return err
	}
	for w := range sh.spills {
		for _, c := range sh.plan.CopiesOf(w) {
			level := sh.plan.Segments[c.Segment].Level
			if err := store.LinkTail(&meta, int(level), sh.copyRoots[c.Segment]); err != nil {
				return fmt.Errorf("linking copied segment: %w", err)
			}
			res.Linked = append(res.Linked, Linked{Level: level, Root: sh.copyRoots[c.Segment]})
		}
	}
	for _, gi := range sh.plan.Outputs() {
		gs := sh.groups[gi]
		if !gs.ok {
			continue
		}
		level := sh.plan.Groups[gi].Level + 1
		if err := store.LinkTail(&meta, int(level), gs.loc.Root); err != nil {
			return fmt.Errorf("linking merge group %d: %w", gi, err)
		}
		res.Linked = append(res.Linked, Linked{Level: level, Root: gs.loc.Root})
	}
	meta.TotalDocs += res.Docs
	meta.TotalLen += res.Tokens
	if err := store.StoreMeta(meta); err != nil {
		return err
	}
	for level, lm := range meta.Levels {
		sh.opts.Metrics.LevelSize(level, int(lm.Count))
	}
	return store.Sync()
}

func (sh *shared) cleanup() error {
	var result *multierror.Error
	for _, s := range sh.spills {
		if s == nil {
			continue
		}
		if err := s.Remove(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, gs := range sh.groups {
		if gs.spill == nil {
			continue
		}
		if err := gs.spill.Remove(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := os.RemoveAll(sh.dir); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
