package segment

import (
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// SinkKind selects where a Sink's logical byte stream lands.
type SinkKind uint8

const (
	// SinkPages writes into data pages of the page store.
	SinkPages SinkKind = iota
	// SinkSpill writes contiguously into a spill file.
	SinkSpill
)

func (k SinkKind) String() string {
	switch k {
	case SinkPages:
		return "pages"
	case SinkSpill:
		return "spill"
	default:
		return "unknown"
	}
}

// Location identifies a written segment. Page segments are addressed by
// Root; spill segments by Offset within their spill file.
type Location struct {
	Kind      SinkKind
	Root      uint32
	Offset    int64
	Size      uint64
	NumPages  uint32
	PageIndex uint32
}

// Sink is the write side of one segment: an append-only logical byte stream
// that also accepts backpatches at earlier offsets. It is a closed union of
// the two storage kinds; exactly one of the kind-specific field groups is
// set.
type Sink struct {
	kind   SinkKind
	size   uint64
	sealed bool

	store  *PageStore
	alloc  pageAllocator
	blocks []uint32
	page   []byte

	spill   *SpillFile
	base    int64
	pending []byte
	flushed uint64
}

const spillBufferSize = 256 * 1024

// NewPageSink writes into pages allocated one at a time from the end of the
// store.
func NewPageSink(store *PageStore) *Sink {
	return newPageSink(store, storeAllocator{store: store})
}

// NewRangePageSink writes into the contiguous, already-claimed range
// [first, first+n).
func NewRangePageSink(store *PageStore, first, n uint32) *Sink {
	return newPageSink(store, &rangeAllocator{nextBlk: first, end: first + n})
}

func newPageSink(store *PageStore, alloc pageAllocator) *Sink {
	return &Sink{
		kind:  SinkPages,
		store: store,
		alloc: alloc,
		page:  make([]byte, PageSize),
	}
}

// NewSpillSink appends a segment at the current end of spill. Only one sink
// may be open on a spill file at a time.
func NewSpillSink(spill *SpillFile) *Sink {
	return &Sink{
		kind:  SinkSpill,
		spill: spill,
		base:  spill.Size(),
	}
}

func (s *Sink) Kind() SinkKind { return s.kind }

// Offset is the logical position the next Write lands at.
func (s *Sink) Offset() uint64 { return s.size }

// Write appends p to the logical stream.
func (s *Sink) Write(p []byte) (int, error) {
	if s.sealed {
		return 0, apperrors.Invariantf("write to sealed %s sink", s.kind)
	}
	switch s.kind {
	case SinkSpill:
		s.pending = append(s.pending, p...)
		s.size += uint64(len(p))
		if len(s.pending) >= spillBufferSize {
			if err := s.flushSpill(); err != nil {
				return 0, err
			}
		}
		return len(p), nil
	default:
		n := 0
		for n < len(p) {
			fill := int(s.size % PageSize)
			if fill == 0 && uint64(len(s.blocks))*PageSize == s.size {
				if err := s.nextPage(); err != nil {
					return n, err
				}
			}
			c := copy(s.page[fill:], p[n:])
			n += c
			s.size += uint64(c)
		}
		return n, nil
	}
}

func (s *Sink) flushSpill() error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.spill.writeAt(s.pending, s.base+int64(s.flushed)); err != nil {
		return err
	}
	s.flushed += uint64(len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

// nextPage writes out the buffered page, if any, and starts a new one.
func (s *Sink) nextPage() error {
	if len(s.blocks) > 0 {
		if err := s.store.WritePage(s.blocks[len(s.blocks)-1], s.page); err != nil {
			return err
		}
		clear(s.page)
	}
	blk, err := s.alloc.next()
	if err != nil {
		return err
	}
	s.blocks = append(s.blocks, blk)
	return nil
}

// WriteAt overwrites already-written bytes at logical offset off. It is used
// to backpatch directory entries and the header, and stays valid after Seal.
func (s *Sink) WriteAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > s.size {
		return apperrors.Invariantf("backpatch [%d,%d) beyond written size %d", off, off+uint64(len(p)), s.size)
	}
	if s.kind == SinkSpill {
		if off < s.flushed {
			n := min(uint64(len(p)), s.flushed-off)
			if err := s.spill.writeAt(p[:n], s.base+int64(off)); err != nil {
				return err
			}
			p = p[n:]
			off += n
		}
		if len(p) == 0 {
			return nil
		}
		copy(s.pending[off-s.flushed:], p)
		return nil
	}
	last := len(s.blocks) - 1
	for len(p) > 0 {
		idx := int(off / PageSize)
		inPage := int(off % PageSize)
		n := min(len(p), PageSize-inPage)
		if idx == last && !s.sealed {
			copy(s.page[inPage:], p[:n])
		} else if err := s.store.WriteAt(s.blocks[idx], inPage, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

// Seal finishes the byte stream. Page sinks write their last buffered page
// and the page index; spill sinks advance the spill file's end.
func (s *Sink) Seal() (Location, error) {
	if s.sealed {
		return Location{}, apperrors.Invariantf("%s sink sealed twice", s.kind)
	}
	if s.kind == SinkSpill {
		if err := s.flushSpill(); err != nil {
			return Location{}, err
		}
		s.sealed = true
		s.spill.advance(s.base + int64(s.size))
		return Location{Kind: SinkSpill, Root: InvalidBlock, Offset: s.base, Size: s.size, PageIndex: InvalidBlock}, nil
	}
	if len(s.blocks) == 0 {
		return Location{}, apperrors.Invariantf("sealing empty page sink")
	}
	if err := s.store.WritePage(s.blocks[len(s.blocks)-1], s.page); err != nil {
		return Location{}, err
	}
	s.sealed = true
	pageIndex, err := writePageIndex(s.store, s.alloc, s.blocks)
	if err != nil {
		return Location{}, err
	}
	indexPages := (len(s.blocks) + pageIndexEntriesPerPage - 1) / pageIndexEntriesPerPage
	return Location{
		Kind:      SinkPages,
		Root:      s.blocks[0],
		Size:      s.size,
		NumPages:  uint32(len(s.blocks) + indexPages),
		PageIndex: pageIndex,
	}, nil
}

// Blocks lists the data pages written so far.
func (s *Sink) Blocks() []uint32 {
	return s.blocks
}
