// Package compaction maintains the level chains of a page store: linking new
// segments, merging a full level into the next one, force-merging every
// level, and truncating pages no chain references any more.
//
// A Controller is not safe for concurrent use. Callers serialize structural
// changes to one store, typically with the engine's exclusive section.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/merge"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

const (
	DefaultSegmentsPerLevel = 8
	DefaultMaxLevels        = segment.MaxLevels
)

type Options struct {
	// SegmentsPerLevel is the fan-in: a level holding this many segments is
	// merged into one segment of the next level.
	SegmentsPerLevel int
	MaxLevels        int
	Compress         bool
	Metrics          *metrics.Metrics
}

type Controller struct {
	store  *segment.PageStore
	opts   Options
	logger *slog.Logger
}

func New(store *segment.PageStore, opts Options) *Controller {
	if opts.SegmentsPerLevel < 2 {
		opts.SegmentsPerLevel = DefaultSegmentsPerLevel
	}
	if opts.MaxLevels <= 0 || opts.MaxLevels > segment.MaxLevels {
		opts.MaxLevels = DefaultMaxLevels
	}
	return &Controller{
		store:  store,
		opts:   opts,
		logger: slog.Default().With("component", "compaction"),
	}
}

func (c *Controller) SegmentsPerLevel() int { return c.opts.SegmentsPerLevel }

// Link appends a fully written segment to the tail of level and adds its
// documents to the index totals. The segment becomes visible only here.
func (c *Controller) Link(level int, root uint32, docs uint64, tokens uint64) error {
	if err := c.store.Sync(); err != nil {
		return fmt.Errorf("syncing before link: %w", err)
	}
	m, err := c.store.LoadMeta()
	if err != nil {
		return err
	}
	if err := c.store.LinkTail(&m, level, root); err != nil {
		return fmt.Errorf("linking segment %d at level %d: %w", root, level, err)
	}
	m.TotalDocs += docs
	m.TotalLen += tokens
	if err := c.store.StoreMeta(m); err != nil {
		return err
	}
	c.opts.Metrics.LevelSize(level, int(m.Levels[level].Count))
	c.logger.Info("linked segment", "level", level, "root", root, "docs", docs, "level_count", m.Levels[level].Count)
	return nil
}

// MergeLevel merges up to maxMerge segments from the head of level's chain
// into one segment appended to level+1, and returns its root. Sources that
// cannot be opened are dropped from the chain with the rest. When fewer than
// two sources are readable the level is left untouched and ErrNothingMerged
// is returned.
func (c *Controller) MergeLevel(ctx context.Context, level int, maxMerge int) (uint32, error) {
	if level < 0 || level >= c.opts.MaxLevels-1 {
		c.logger.Warn("cannot merge level past the top level", "level", level, "max_levels", c.opts.MaxLevels)
		return segment.InvalidBlock, nil
	}
	m, err := c.store.LoadMeta()
	if err != nil {
		return segment.InvalidBlock, err
	}
	roots, err := c.store.ChainRoots(m.Levels[level])
	if err != nil {
		return segment.InvalidBlock, fmt.Errorf("walking level %d: %w", level, err)
	}
	n := min(len(roots), maxMerge)
	if n == 0 {
		return segment.InvalidBlock, fmt.Errorf("%w: level %d is empty", apperrors.ErrNothingMerged, level)
	}
	refs := make([]merge.SourceRef, n)
	for i, root := range roots[:n] {
		refs[i] = merge.PageSource(root)
	}

	res, err := merge.Merge(ctx, c.store, refs, segment.NewPageSink(c.store), merge.Options{
		Mode:    merge.ModeGeneral,
		Writer:  segment.WriterOptions{Level: uint32(level + 1), Compress: c.opts.Compress},
		Metrics: c.opts.Metrics,
		Logger:  c.logger,
	})
	if err != nil {
		status := "error"
		if errors.Is(err, apperrors.ErrNothingMerged) {
			status = "skipped"
		}
		c.opts.Metrics.Merge(uint32(level), status)
		return segment.InvalidBlock, fmt.Errorf("merging level %d: %w", level, err)
	}
	if err := c.store.Sync(); err != nil {
		return segment.InvalidBlock, err
	}

	lvl := &m.Levels[level]
	if n < len(roots) {
		lvl.Head = roots[n]
	} else {
		lvl.Head = segment.InvalidBlock
		lvl.Tail = segment.InvalidBlock
	}
	lvl.Count -= uint32(n)
	root := res.Location.Root
	if err := c.store.LinkTail(&m, level+1, root); err != nil {
		return segment.InvalidBlock, err
	}
	if err := c.store.StoreMeta(m); err != nil {
		return segment.InvalidBlock, err
	}

	c.opts.Metrics.Merge(uint32(level), "ok")
	c.opts.Metrics.LevelSize(level, int(m.Levels[level].Count))
	c.opts.Metrics.LevelSize(level+1, int(m.Levels[level+1].Count))
	c.logger.Info("merged level",
		"level", level,
		"consumed", n,
		"skipped", len(res.Skipped),
		"root", root,
		"terms", res.NumTerms,
		"docs", res.NumDocs,
	)
	return root, nil
}

// MaybeCompact merges level in fan-in batches until it holds fewer than
// SegmentsPerLevel segments, then does the same for every level above it.
func (c *Controller) MaybeCompact(ctx context.Context, level int) error {
	for ; level < c.opts.MaxLevels-1; level++ {
		for {
			m, err := c.store.LoadMeta()
			if err != nil {
				return err
			}
			if int(m.Levels[level].Count) < c.opts.SegmentsPerLevel {
				break
			}
			if _, err := c.MergeLevel(ctx, level, c.opts.SegmentsPerLevel); err != nil {
				if errors.Is(err, apperrors.ErrNothingMerged) {
					c.logger.Warn("level left uncompacted", "level", level, "error", err)
					break
				}
				return err
			}
		}
	}
	return nil
}

// ForceMergeAll merges every segment of each level into the next, starting
// at level 0 and stopping at the first level holding fewer than two
// segments. It returns the root of the last segment written, or
// InvalidBlock when there was nothing to merge.
func (c *Controller) ForceMergeAll(ctx context.Context) (uint32, error) {
	last := segment.InvalidBlock
	for level := 0; level < c.opts.MaxLevels-1; level++ {
		m, err := c.store.LoadMeta()
		if err != nil {
			return last, err
		}
		if m.Levels[level].Count < 2 {
			break
		}
		root, err := c.MergeLevel(ctx, level, math.MaxInt)
		if err != nil {
			if errors.Is(err, apperrors.ErrNothingMerged) {
				c.logger.Warn("force merge skipped level", "level", level, "error", err)
				continue
			}
			return last, err
		}
		last = root
	}
	return last, nil
}

// LevelInfo lists one level chain, oldest segment first.
type LevelInfo struct {
	Level int
	Count uint32
	Roots []uint32
}

func (c *Controller) Levels() ([]LevelInfo, error) {
	m, err := c.store.LoadMeta()
	if err != nil {
		return nil, err
	}
	out := make([]LevelInfo, 0, c.opts.MaxLevels)
	for level := 0; level < c.opts.MaxLevels; level++ {
		roots, err := c.store.ChainRoots(m.Levels[level])
		if err != nil {
			return nil, fmt.Errorf("walking level %d: %w", level, err)
		}
		out = append(out, LevelInfo{Level: level, Count: m.Levels[level].Count, Roots: roots})
	}
	return out, nil
}
