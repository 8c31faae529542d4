package compaction

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
)

// HighWaterMark returns one past the highest block used by any linked
// segment, and at least 1 for the metapage.
func HighWaterMark(store *segment.PageStore) (uint32, error) {
	m, err := store.LoadMeta()
	if err != nil {
		return 0, err
	}
	used := segment.MetaBlock + 1
	for level := range m.Levels {
		roots, err := store.ChainRoots(m.Levels[level])
		if err != nil {
			return 0, fmt.Errorf("walking level %d: %w", level, err)
		}
		for _, root := range roots {
			r, err := segment.OpenPages(store, root)
			if err != nil {
				return 0, fmt.Errorf("collecting pages of segment %d: %w", root, err)
			}
			for _, blk := range r.Pages() {
				used = max(used, blk+1)
			}
		}
	}
	return used, nil
}

// TruncateDeadPages removes every page above the high-water mark of the
// linked segments and returns how many were removed. Pages released by
// merges below the mark stay allocated.
func TruncateDeadPages(store *segment.PageStore, mtr *metrics.Metrics) (uint32, error) {
	used, err := HighWaterMark(store)
	if err != nil {
		return 0, err
	}
	total := store.NumPages()
	if used >= total {
		return 0, nil
	}
	if err := store.Truncate(used); err != nil {
		return 0, err
	}
	mtr.PagesTruncated(total - used)
	return total - used, nil
}
