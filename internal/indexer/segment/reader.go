package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// pageReaderAt maps a segment's logical byte stream onto its data pages.
type pageReaderAt struct {
	mu      sync.Mutex
	store   *PageStore
	blocks  []uint32
	size    uint64
	scratch []byte
}

func (p *pageReaderAt) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= p.size {
		return 0, io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(dst) && uint64(off) < p.size {
		idx := int(off / PageSize)
		inPage := int(off % PageSize)
		if err := p.store.ReadPage(p.blocks[idx], p.scratch); err != nil {
			return n, err
		}
		avail := min(PageSize-inPage, int(p.size-uint64(off)))
		c := copy(dst[n:], p.scratch[inPage:inPage+avail])
		n += c
		off += int64(c)
	}
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// Reader gives random access to one segment. It is safe for concurrent use;
// iterators derived from it are not.
type Reader struct {
	r      io.ReaderAt
	loc    Location
	header Header

	dictEntrySize int
	skipEntrySize int
	stringOffsets []uint32

	// physical pages, data then page index, for page-store segments
	pages []uint32

	docsOnce   sync.Once
	docsErr    error
	fieldnorms []uint8
	locators   []Locator
}

// OpenPages opens the segment whose first data page is root.
func OpenPages(store *PageStore, root uint32) (*Reader, error) {
	first := make([]byte, PageSize)
	if err := store.ReadPage(root, first); err != nil {
		return nil, fmt.Errorf("reading segment root %d: %w", root, err)
	}
	h, err := UnmarshalHeader(first)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", root, err)
	}
	blocks, indexPages, err := readPageIndex(store, h.PageIndex)
	if err != nil {
		return nil, fmt.Errorf("segment %d page index: %w", root, err)
	}
	if len(blocks) == 0 || blocks[0] != root {
		return nil, apperrors.Corruptf("segment %d page index does not start at its root", root)
	}
	if uint32(len(blocks)) != DataPagesFor(h.DataSize) {
		return nil, apperrors.Corruptf("segment %d lists %d data pages for %d bytes", root, len(blocks), h.DataSize)
	}
	for _, b := range blocks {
		if b == MetaBlock || b >= store.NumPages() {
			return nil, apperrors.Corruptf("segment %d references block %d outside the store", root, b)
		}
	}
	pr := &pageReaderAt{store: store, blocks: blocks, size: h.DataSize, scratch: make([]byte, PageSize)}
	loc := Location{
		Kind:      SinkPages,
		Root:      root,
		Size:      h.DataSize,
		NumPages:  uint32(len(blocks) + len(indexPages)),
		PageIndex: h.PageIndex,
	}
	r, err := open(pr, loc, h)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", root, err)
	}
	r.pages = append(append(make([]uint32, 0, len(blocks)+len(indexPages)), blocks...), indexPages...)
	return r, nil
}

// OpenSpill opens the segment written to spill at loc.
func OpenSpill(spill *SpillFile, loc Location) (*Reader, error) {
	view, err := spill.View(loc.Offset, loc.Size)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, min(loc.Size, HeaderSize))
	if _, err := view.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading spill segment header at %d: %w", loc.Offset, err)
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("spill segment at %d: %w", loc.Offset, err)
	}
	if h.DataSize != loc.Size {
		return nil, apperrors.Corruptf("spill segment at %d records %d bytes, located %d", loc.Offset, h.DataSize, loc.Size)
	}
	r, err := open(view, loc, h)
	if err != nil {
		return nil, fmt.Errorf("spill segment at %d: %w", loc.Offset, err)
	}
	return r, nil
}

// OpenBytes opens a segment held entirely in memory.
func OpenBytes(data []byte) (*Reader, error) {
	h, err := UnmarshalHeader(data)
	if err != nil {
		return nil, err
	}
	if h.DataSize != uint64(len(data)) {
		return nil, apperrors.Corruptf("segment records %d bytes, have %d", h.DataSize, len(data))
	}
	return open(bytes.NewReader(data), Location{Kind: SinkSpill, Root: InvalidBlock, Size: h.DataSize, PageIndex: InvalidBlock}, h)
}

func open(ra io.ReaderAt, loc Location, h Header) (*Reader, error) {
	r := &Reader{
		r:             ra,
		loc:           loc,
		header:        h,
		dictEntrySize: DictEntrySizeFor(h.Version),
		skipEntrySize: SkipEntrySizeFor(h.Version),
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	n := int(h.NumTerms)
	buf := make([]byte, 4+4*n)
	if err := r.readAt(buf, h.DictionaryOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != h.NumTerms {
		return nil, apperrors.Corruptf("dictionary holds %d terms, header says %d", got, h.NumTerms)
	}
	r.stringOffsets = make([]uint32, n)
	for i := range r.stringOffsets {
		r.stringOffsets[i] = binary.LittleEndian.Uint32(buf[4+4*i:])
	}
	return r, nil
}

func (r *Reader) validate() error {
	h := &r.header
	sections := []uint64{
		h.DictionaryOffset, h.StringsOffset, h.EntriesOffset, h.PostingsOffset,
		h.SkipIndexOffset, h.FieldnormOffset, h.CtidPagesOffset, h.CtidOffsetsOffset,
	}
	prev := uint64(0)
	for _, off := range sections {
		if off < prev || off > h.DataSize {
			return apperrors.Corruptf("section offset %d out of order or beyond %d bytes", off, h.DataSize)
		}
		prev = off
	}
	docs := uint64(h.NumDocs)
	switch {
	case h.DictionaryOffset+4+4*uint64(h.NumTerms) > h.StringsOffset:
		return apperrors.Corruptf("dictionary of %d terms overruns strings", h.NumTerms)
	case h.EntriesOffset+uint64(h.NumTerms)*uint64(r.dictEntrySize) > h.PostingsOffset:
		return apperrors.Corruptf("dictionary entries overrun postings")
	case h.FieldnormOffset+docs > h.CtidPagesOffset:
		return apperrors.Corruptf("fieldnorms of %d docs overrun locators", docs)
	case h.CtidPagesOffset+4*docs > h.CtidOffsetsOffset:
		return apperrors.Corruptf("locator blocks of %d docs overrun offsets", docs)
	case h.CtidOffsetsOffset+2*docs > h.DataSize:
		return apperrors.Corruptf("locator offsets of %d docs overrun the segment", docs)
	}
	return nil
}

func (r *Reader) readAt(dst []byte, off uint64) error {
	if off+uint64(len(dst)) > r.header.DataSize {
		return apperrors.Corruptf("read [%d,%d) beyond %d bytes", off, off+uint64(len(dst)), r.header.DataSize)
	}
	if _, err := r.r.ReadAt(dst, int64(off)); err != nil && !(err == io.EOF && len(dst) == 0) {
		return err
	}
	return nil
}

func (r *Reader) Header() Header { return r.header }
func (r *Reader) Location() Location { return r.loc }
func (r *Reader) NumTerms() int { return int(r.header.NumTerms) }
func (r *Reader) NumDocs() uint32 { return r.header.NumDocs }
func (r *Reader) TotalTokens() uint64 { return r.header.TotalTokens }
func (r *Reader) Level() uint32 { return r.header.Level }
func (r *Reader) NextSegment() uint32 { return r.header.NextSegment }
func (r *Reader) Pages() []uint32 { return r.pages }
func (r *Reader) ReaderAt() io.ReaderAt { return r.r }

// Term returns the i-th dictionary term.
func (r *Reader) Term(i int) ([]byte, error) {
	if i < 0 || i >= len(r.stringOffsets) {
		return nil, apperrors.Invariantf("term %d out of range [0,%d)", i, len(r.stringOffsets))
	}
	off := r.header.StringsOffset + uint64(r.stringOffsets[i])
	var lenBuf [4]byte
	if err := r.readAt(lenBuf[:], off); err != nil {
		return nil, fmt.Errorf("reading term %d: %w", i, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if uint64(n) > r.header.EntriesOffset-off {
		return nil, apperrors.Corruptf("term %d length %d overruns strings", i, n)
	}
	term := make([]byte, n)
	if err := r.readAt(term, off+4); err != nil {
		return nil, fmt.Errorf("reading term %d: %w", i, err)
	}
	return term, nil
}

// Entry returns the i-th dictionary entry.
func (r *Reader) Entry(i int) (DictEntry, error) {
	if i < 0 || i >= len(r.stringOffsets) {
		return DictEntry{}, apperrors.Invariantf("entry %d out of range [0,%d)", i, len(r.stringOffsets))
	}
	buf := make([]byte, r.dictEntrySize)
	if err := r.readAt(buf, r.header.EntriesOffset+uint64(i*r.dictEntrySize)); err != nil {
		return DictEntry{}, fmt.Errorf("reading dictionary entry %d: %w", i, err)
	}
	e := decodeDictEntry(buf, r.header.Version)
	end := e.SkipIndexOffset + uint64(e.BlockCount)*uint64(r.skipEntrySize)
	if e.BlockCount > 0 && (e.SkipIndexOffset < r.header.SkipIndexOffset || end > r.header.FieldnormOffset) {
		return DictEntry{}, apperrors.Corruptf("dictionary entry %d skip range [%d,%d) outside skip index", i, e.SkipIndexOffset, end)
	}
	return e, nil
}

// Lookup finds term by binary search over the sorted dictionary.
func (r *Reader) Lookup(term []byte) (int, bool, error) {
	var searchErr error
	idx := sort.Search(len(r.stringOffsets), func(i int) bool {
		if searchErr != nil {
			return true
		}
		t, err := r.Term(i)
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(t, term) >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if idx == len(r.stringOffsets) {
		return idx, false, nil
	}
	t, err := r.Term(idx)
	if err != nil {
		return 0, false, err
	}
	return idx, bytes.Equal(t, term), nil
}

// SkipEntry returns block blk of the term described by e.
func (r *Reader) SkipEntry(e DictEntry, blk int) (SkipEntry, error) {
	if blk < 0 || blk >= int(e.BlockCount) {
		return SkipEntry{}, apperrors.Invariantf("block %d out of range [0,%d)", blk, e.BlockCount)
	}
	buf := make([]byte, r.skipEntrySize)
	if err := r.readAt(buf, e.SkipIndexOffset+uint64(blk*r.skipEntrySize)); err != nil {
		return SkipEntry{}, fmt.Errorf("reading skip entry %d: %w", blk, err)
	}
	return decodeSkipEntry(buf, r.header.Version), nil
}

// LoadDocuments reads the fieldnorm and locator tables into memory. It runs
// at most once.
func (r *Reader) LoadDocuments() error {
	r.docsOnce.Do(func() {
		n := int(r.header.NumDocs)
		norms := make([]byte, n)
		if err := r.readAt(norms, r.header.FieldnormOffset); err != nil {
			r.docsErr = fmt.Errorf("reading fieldnorms: %w", err)
			return
		}
		blocks := make([]byte, 4*n)
		if err := r.readAt(blocks, r.header.CtidPagesOffset); err != nil {
			r.docsErr = fmt.Errorf("reading locator blocks: %w", err)
			return
		}
		offsets := make([]byte, 2*n)
		if err := r.readAt(offsets, r.header.CtidOffsetsOffset); err != nil {
			r.docsErr = fmt.Errorf("reading locator offsets: %w", err)
			return
		}
		locs := make([]Locator, n)
		for i := range locs {
			locs[i] = Locator{
				Block:  binary.LittleEndian.Uint32(blocks[4*i:]),
				Offset: binary.LittleEndian.Uint16(offsets[2*i:]),
			}
		}
		r.fieldnorms = norms
		r.locators = locs
	})
	return r.docsErr
}

// Fieldnorms is indexed by doc id. LoadDocuments must have succeeded.
func (r *Reader) Fieldnorms() []uint8 { return r.fieldnorms }

// Locators is indexed by doc id. LoadDocuments must have succeeded.
func (r *Reader) Locators() []Locator { return r.locators }

// TermIterator walks the dictionary in order.
type TermIterator struct {
	r     *Reader
	i     int
	term  []byte
	entry DictEntry
	err   error
}

func (r *Reader) Terms() *TermIterator {
	return &TermIterator{r: r, i: -1}
}

func (it *TermIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.i++
	if it.i >= it.r.NumTerms() {
		return false
	}
	if it.term, it.err = it.r.Term(it.i); it.err != nil {
		return false
	}
	if it.entry, it.err = it.r.Entry(it.i); it.err != nil {
		return false
	}
	return true
}

func (it *TermIterator) Index() int { return it.i }
func (it *TermIterator) Term() []byte { return it.term }
func (it *TermIterator) Entry() DictEntry { return it.entry }
func (it *TermIterator) Err() error { return it.err }

// PostingIterator streams one term's postings block by block.
type PostingIterator struct {
	r     *Reader
	entry DictEntry
	blk   int
	base  uint32
	buf   []Posting
	raw   []byte
	skip  SkipEntry
}

func (r *Reader) Postings(e DictEntry) *PostingIterator {
	return &PostingIterator{r: r, entry: e, buf: make([]Posting, BlockSize)}
}

// NextBlock decodes the next block. It returns nil once the term is
// exhausted. The slice is reused by the following call.
func (it *PostingIterator) NextBlock() ([]Posting, error) {
	if it.blk >= int(it.entry.BlockCount) {
		return nil, nil
	}
	skip, err := it.r.SkipEntry(it.entry, it.blk)
	if err != nil {
		return nil, err
	}
	n := int(skip.DocCount)
	if n == 0 || n > BlockSize {
		return nil, apperrors.Corruptf("block %d holds %d postings", it.blk, n)
	}
	limit := it.r.header.SkipIndexOffset
	if skip.PostingOffset < it.r.header.PostingsOffset || skip.PostingOffset >= limit {
		return nil, apperrors.Corruptf("block %d posting offset %d outside postings", it.blk, skip.PostingOffset)
	}
	postings := it.buf[:n]
	switch skip.Flags {
	case BlockUncompressed:
		size := uint64(n * PostingSize)
		if skip.PostingOffset+size > limit {
			return nil, apperrors.Corruptf("block %d overruns postings", it.blk)
		}
		it.raw = growBytes(it.raw, int(size))
		if err := it.r.readAt(it.raw, skip.PostingOffset); err != nil {
			return nil, fmt.Errorf("reading block %d: %w", it.blk, err)
		}
		if err := decodeRawBlock(postings, it.raw, n); err != nil {
			return nil, err
		}
	case BlockDelta:
		size := min(uint64(maxDeltaBlockSize), limit-skip.PostingOffset)
		it.raw = growBytes(it.raw, int(size))
		if err := it.r.readAt(it.raw, skip.PostingOffset); err != nil {
			return nil, fmt.Errorf("reading block %d: %w", it.blk, err)
		}
		if _, err := decodeDeltaBlock(postings, it.raw, n, it.base); err != nil {
			return nil, fmt.Errorf("block %d: %w", it.blk, err)
		}
	default:
		return nil, apperrors.Corruptf("block %d has unknown encoding %d", it.blk, skip.Flags)
	}
	if postings[n-1].DocID != skip.LastDocID {
		return nil, apperrors.Corruptf("block %d ends at doc %d, skip entry says %d", it.blk, postings[n-1].DocID, skip.LastDocID)
	}
	it.skip = skip
	it.base = skip.LastDocID
	it.blk++
	return postings, nil
}

// Skip is the skip entry of the block last returned by NextBlock.
func (it *PostingIterator) Skip() SkipEntry { return it.skip }

func growBytes(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// ReadAllPostings decodes every posting of e.
func (r *Reader) ReadAllPostings(e DictEntry) ([]Posting, error) {
	out := make([]Posting, 0, e.DocFreq)
	it := r.Postings(e)
	for {
		block, err := it.NextBlock()
		if err != nil {
			return nil, err
		}
		if block == nil {
			return out, nil
		}
		out = append(out, block...)
	}
}
