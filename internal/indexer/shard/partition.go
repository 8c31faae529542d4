package shard

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
)

// partitioned exposes the rows of a source that hash onto one shard. Block
// ranges are those of the underlying source, so parallel shard builds still
// split work by block.
type partitioned struct {
	src       source.RowSource
	shard     int
	numShards int
}

// Partition restricts src to the rows ShardFor assigns to shard.
func Partition(src source.RowSource, shard, numShards int) source.RowSource {
	if numShards <= 1 {
		return src
	}
	return &partitioned{src: src, shard: shard, numShards: numShards}
}

func (p *partitioned) NumBlocks(ctx context.Context) (uint32, error) {
	return p.src.NumBlocks(ctx)
}

// EstimateRows assumes an even spread across shards.
func (p *partitioned) EstimateRows(ctx context.Context) (int64, error) {
	n, err := p.src.EstimateRows(ctx)
	if err != nil {
		return 0, err
	}
	return (n + int64(p.numShards) - 1) / int64(p.numShards), nil
}

func (p *partitioned) Scan(ctx context.Context, start, end uint32, fn func(source.Row) error) error {
	return p.src.Scan(ctx, start, end, func(r source.Row) error {
		if ShardFor(r.Locator, p.numShards) != p.shard {
			return nil
		}
		return fn(r)
	})
}
