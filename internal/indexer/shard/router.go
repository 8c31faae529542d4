// Package shard partitions documents across independent indexes. Each shard
// owns an indexer.Engine backed by its own data directory, and the Router
// dispatches documents and builds by shard ID.
package shard

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

// Router maps shard IDs to dedicated indexer.Engine instances.
type Router struct {
	engines   map[int]*indexer.Engine
	mu        sync.RWMutex
	baseCfg   config.IndexerConfig
	numShards int
	logger    *slog.Logger
}

// NewRouter opens numShards engines, each in its own sub-directory under
// baseCfg.DataDir. mtr may be nil.
func NewRouter(baseCfg config.IndexerConfig, numShards int, mtr *metrics.Metrics) (*Router, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("shard router needs at least one shard, got %d", numShards)
	}
	r := &Router{
		engines:   make(map[int]*indexer.Engine, numShards),
		baseCfg:   baseCfg,
		numShards: numShards,
		logger:    slog.Default().With("component", "shard-router"),
	}
	for i := 0; i < numShards; i++ {
		shardCfg := baseCfg
		shardCfg.DataDir = filepath.Join(baseCfg.DataDir, fmt.Sprintf("shard-%d", i))
		engine, err := indexer.NewEngine(shardCfg, mtr)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("creating engine for shard %d: %w", i, err)
		}
		r.engines[i] = engine
		r.logger.Debug("shard engine opened", "shard_id", i, "data_dir", shardCfg.DataDir)
	}
	r.logger.Info("shard router ready", "num_shards", numShards)
	return r, nil
}

// ShardFor hashes a locator onto a shard. Every component routing the same
// document must agree on this mapping.
func ShardFor(loc segment.Locator, numShards int) int {
	var b [6]byte
	binary.LittleEndian.PutUint32(b[:4], loc.Block)
	binary.LittleEndian.PutUint16(b[4:], loc.Offset)
	return int(xxhash.Sum64(b[:]) % uint64(numShards))
}

// Route returns the Engine responsible for the given shard ID.
func (r *Router) Route(shardID int) (*indexer.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[shardID]
	if !ok {
		return nil, fmt.Errorf("unknown shard ID %d (valid range: 0-%d)", shardID, r.numShards-1)
	}
	return engine, nil
}

// RouteLocator returns the Engine owning loc.
func (r *Router) RouteLocator(loc segment.Locator) (int, *indexer.Engine, error) {
	id := ShardFor(loc, r.numShards)
	engine, err := r.Route(id)
	return id, engine, err
}

// GetAllEngines returns a snapshot map of all shard engines.
func (r *Router) GetAllEngines() map[int]*indexer.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[int]*indexer.Engine, len(r.engines))
	for id, engine := range r.engines {
		result[id] = engine
	}
	return result
}

// NumShards returns the number of shards managed by this router.
func (r *Router) NumShards() int {
	return r.numShards
}

// BuildAll builds every shard from its partition of src, running at most
// concurrency shard builds at once. Each shard reports into its own child
// of tracker, so tracker's snapshot covers the whole build.
func (r *Router) BuildAll(ctx context.Context, src source.RowSource, concurrency int, tracker *progress.Tracker) (map[int]indexer.BuildResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	engines := r.GetAllEngines()
	tracker.SetPhase(progress.PhaseLoading)

	var (
		mu      sync.Mutex
		results = make(map[int]indexer.BuildResult, len(engines))
	)
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < r.numShards; id++ {
		engine := engines[id]
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			child := tracker.Child(fmt.Sprintf("shard-%d", id))
			res, err := engine.Build(gctx, Partition(src, id, r.numShards), child)
			if err != nil {
				return fmt.Errorf("building shard %d: %w", id, err)
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			r.logger.Info("shard built",
				"shard_id", id,
				"docs", res.Docs,
				"parallel", res.Parallel,
				"took", res.Took,
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracker.SetPhase(progress.PhaseFailed)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		tracker.SetPhase(progress.PhaseFailed)
		return nil, err
	}
	tracker.SetPhase(progress.PhaseDone)
	return results, nil
}

// FlushAll spills every shard's pending batch.
func (r *Router) FlushAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result *multierror.Error
	for id, engine := range r.engines {
		if _, err := engine.Spill(ctx); err != nil {
			r.logger.Error("spill failed", "shard_id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Close spills and closes every shard engine.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAll()
}

func (r *Router) closeAll() error {
	var result *multierror.Error
	for id, engine := range r.engines {
		if err := engine.Close(); err != nil {
			r.logger.Error("close failed", "shard_id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
