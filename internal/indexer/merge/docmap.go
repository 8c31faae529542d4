package merge

import (
	"math"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// Mode selects how the document map is built.
type Mode uint8

const (
	// ModeGeneral merges the sources' locator streams, for sources whose
	// documents may interleave.
	ModeGeneral Mode = iota
	// ModeDisjoint concatenates sources in order. Valid only when every
	// source's locators sort after the previous source's.
	ModeDisjoint
	// ModeAuto picks ModeDisjoint when the opened sources turn out to be
	// ordered and ModeGeneral otherwise.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeDisjoint:
		return "disjoint"
	case ModeAuto:
		return "auto"
	default:
		return "general"
	}
}

// Ordered reports whether every non-empty reader's locators sort strictly
// after those of the readers before it. Documents must be loaded.
func Ordered(readers []*segment.Reader) bool {
	var last segment.Locator
	seen := false
	for _, r := range readers {
		locs := r.Locators()
		if len(locs) == 0 {
			continue
		}
		if seen && !last.Less(locs[0]) {
			return false
		}
		last, seen = locs[len(locs)-1], true
	}
	return true
}

// DocMap translates (source, local doc id) to the merged segment's doc id
// and holds the merged per-document tables.
type DocMap struct {
	mode       Mode
	oldToNew   [][]uint32
	Fieldnorms []uint8
	Locators   []segment.Locator
}

func (d *DocMap) NumDocs() uint32 { return uint32(len(d.Locators)) }

// Mode is the mode the map was built in; never ModeAuto.
func (d *DocMap) Mode() Mode { return d.mode }

// Map returns the new id of doc in source src.
func (d *DocMap) Map(src int, doc uint32) uint32 {
	return d.oldToNew[src][doc]
}

// BuildDocMap loads every reader's document tables and assigns new ids:
// sequentially per source in disjoint mode, or in global locator order in
// general mode with ties going to the earlier source.
func BuildDocMap(readers []*segment.Reader, mode Mode) (*DocMap, error) {
	var total uint64
	for _, r := range readers {
		if err := r.LoadDocuments(); err != nil {
			return nil, err
		}
		total += uint64(r.NumDocs())
	}
	if mode == ModeAuto {
		mode = ModeGeneral
		if Ordered(readers) {
			mode = ModeDisjoint
		}
	}
	if total > math.MaxUint32 {
		return nil, apperrors.Capacityf("merged segment would hold %d documents", total)
	}
	dm := &DocMap{
		mode:       mode,
		oldToNew:   make([][]uint32, len(readers)),
		Fieldnorms: make([]uint8, total),
		Locators:   make([]segment.Locator, total),
	}
	for i, r := range readers {
		dm.oldToNew[i] = make([]uint32, r.NumDocs())
	}

	var next uint32
	if mode == ModeDisjoint {
		for i, r := range readers {
			norms, locs := r.Fieldnorms(), r.Locators()
			for j := range locs {
				dm.oldToNew[i][j] = next
				dm.Fieldnorms[next] = norms[j]
				dm.Locators[next] = locs[j]
				next++
			}
		}
		return dm, nil
	}

	cursors := make([]int, len(readers))
	for uint64(next) < total {
		minSrc := -1
		var minLoc segment.Locator
		for i, r := range readers {
			locs := r.Locators()
			if cursors[i] >= len(locs) {
				continue
			}
			if l := locs[cursors[i]]; minSrc < 0 || l.Less(minLoc) {
				minSrc = i
				minLoc = l
			}
		}
		pos := cursors[minSrc]
		dm.oldToNew[minSrc][pos] = next
		dm.Fieldnorms[next] = readers[minSrc].Fieldnorms()[pos]
		dm.Locators[next] = minLoc
		cursors[minSrc]++
		next++
	}
	return dm, nil
}
