package merge

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

// SourceRef names one segment to merge. Like segment.Sink it is a closed
// union over the two storage kinds, so page-store segments and spill-file
// segments are opened the same way.
type SourceRef struct {
	Kind  segment.SinkKind
	Root  uint32
	Spill *segment.SpillFile
	Loc   segment.Location
}

// PageSource refers to the linked segment rooted at root.
func PageSource(root uint32) SourceRef {
	return SourceRef{Kind: segment.SinkPages, Root: root}
}

// SpillSource refers to a segment staged in a spill file.
func SpillSource(spill *segment.SpillFile, loc segment.Location) SourceRef {
	return SourceRef{Kind: segment.SinkSpill, Root: segment.InvalidBlock, Spill: spill, Loc: loc}
}

func (r SourceRef) String() string {
	if r.Kind == segment.SinkSpill {
		return fmt.Sprintf("spill:%s@%d", r.Spill.Path(), r.Loc.Offset)
	}
	return fmt.Sprintf("block:%d", r.Root)
}

// Open opens the referenced segment. store is only used for page sources.
func (r SourceRef) Open(store *segment.PageStore) (*segment.Reader, error) {
	switch r.Kind {
	case segment.SinkPages:
		return segment.OpenPages(store, r.Root)
	case segment.SinkSpill:
		return segment.OpenSpill(r.Spill, r.Loc)
	default:
		return nil, fmt.Errorf("unknown source kind %d", r.Kind)
	}
}

// source is one open input with its dictionary cursor.
type source struct {
	ref    SourceRef
	reader *segment.Reader
	terms  *segment.TermIterator
	done   bool
}

func newSource(ref SourceRef, r *segment.Reader) *source {
	s := &source{ref: ref, reader: r, terms: r.Terms()}
	return s
}

// advance moves the dictionary cursor; done is set at the end.
func (s *source) advance() error {
	if s.terms.Next() {
		return nil
	}
	s.done = true
	if err := s.terms.Err(); err != nil {
		return fmt.Errorf("reading dictionary of %s: %w", s.ref, err)
	}
	return nil
}
