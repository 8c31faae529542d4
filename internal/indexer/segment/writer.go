package segment

import (
	"encoding/binary"
	"fmt"
	"math"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// WriterOptions control the layout of a written segment.
type WriterOptions struct {
	Level uint32
	// Compress writes delta-encoded posting blocks.
	Compress bool
	// Legacy writes the version 3 layout with 32-bit offsets.
	Legacy bool
}

type writerState uint8

const (
	stateDictionary writerState = iota
	statePostings
	stateDocuments
	stateFinished
)

// PendingDirectory collects the per-term dictionary entries while postings
// stream out. The entries can only be located once every posting is written,
// so the directory is written by Writer.Finish, which consumes it.
type PendingDirectory struct {
	numTerms int
	entries  []DictEntry
	consumed bool
}

func (d *PendingDirectory) Len() int { return len(d.entries) }

// Writer streams one segment into a Sink. Callers declare the sorted term
// list, then write each term's postings in dictionary order, then the
// per-document tables, then Finish.
type Writer struct {
	sink    *Sink
	opts    WriterOptions
	header  Header
	state   writerState
	version uint32

	dictEntrySize int
	skipEntrySize int

	block       []Posting
	blockBase   uint32
	termFirst   uint32
	termBlocks  uint32
	termDocs    uint32
	termLastDoc uint32
	termStarted bool

	skip     []byte
	numSkips uint32
	scratch  []byte
}

// NewWriter writes a placeholder header and returns a writer positioned at
// the dictionary.
func NewWriter(sink *Sink, opts WriterOptions) (*Writer, error) {
	w := &Writer{
		sink:    sink,
		opts:    opts,
		header:  newHeader(opts.Level),
		version: FormatVersion,
		block:   make([]Posting, 0, BlockSize),
	}
	headerSize := HeaderSize
	if opts.Legacy {
		w.version = FormatVersionLegacy
		headerSize = legacyHeaderSize
	}
	w.header.Version = w.version
	w.dictEntrySize = DictEntrySizeFor(w.version)
	w.skipEntrySize = SkipEntrySizeFor(w.version)
	if _, err := sink.Write(make([]byte, headerSize)); err != nil {
		return nil, fmt.Errorf("writing header placeholder: %w", err)
	}
	return w, nil
}

// BeginDictionary writes the dictionary and string sections for terms,
// which must be sorted and unique, and reserves space for the entries.
func (w *Writer) BeginDictionary(terms [][]byte) (*PendingDirectory, error) {
	if w.state != stateDictionary {
		return nil, apperrors.Invariantf("dictionary written twice")
	}
	n := len(terms)
	le := binary.LittleEndian

	w.header.DictionaryOffset = w.sink.Offset()
	w.header.NumTerms = uint32(n)
	buf := make([]byte, 4+4*n)
	le.PutUint32(buf[0:4], uint32(n))
	var strOff uint32
	for i, t := range terms {
		le.PutUint32(buf[4+4*i:], strOff)
		strOff += uint32(8 + len(t))
	}
	if _, err := w.sink.Write(buf); err != nil {
		return nil, fmt.Errorf("writing dictionary: %w", err)
	}

	w.header.StringsOffset = w.sink.Offset()
	buf = buf[:0]
	for i, t := range terms {
		buf = le.AppendUint32(buf, uint32(len(t)))
		buf = append(buf, t...)
		buf = le.AppendUint32(buf, uint32(i*w.dictEntrySize))
		if len(buf) >= PageSize {
			if _, err := w.sink.Write(buf); err != nil {
				return nil, fmt.Errorf("writing term strings: %w", err)
			}
			buf = buf[:0]
		}
	}
	if _, err := w.sink.Write(buf); err != nil {
		return nil, fmt.Errorf("writing term strings: %w", err)
	}

	w.header.EntriesOffset = w.sink.Offset()
	if err := w.writeZeros(n * w.dictEntrySize); err != nil {
		return nil, fmt.Errorf("reserving dictionary entries: %w", err)
	}
	w.header.PostingsOffset = w.sink.Offset()
	w.state = statePostings
	return &PendingDirectory{numTerms: n, entries: make([]DictEntry, 0, n)}, nil
}

func (w *Writer) writeZeros(n int) error {
	zeros := make([]byte, min(n, 64*1024))
	for n > 0 {
		c := min(n, len(zeros))
		if _, err := w.sink.Write(zeros[:c]); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// BeginTerm starts the postings of the next dictionary term.
func (w *Writer) BeginTerm() error {
	if w.state != statePostings || w.termStarted {
		return apperrors.Invariantf("term started out of order")
	}
	w.termStarted = true
	w.termFirst = w.numSkips
	w.termBlocks = 0
	w.termDocs = 0
	w.blockBase = 0
	w.block = w.block[:0]
	return nil
}

// AddPosting appends one posting to the current term. Doc ids must be
// strictly increasing within a term.
func (w *Writer) AddPosting(p Posting) error {
	if !w.termStarted {
		return apperrors.Invariantf("posting added outside a term")
	}
	if w.termDocs > 0 && p.DocID <= w.termLastDoc {
		return apperrors.Invariantf("doc id %d does not follow %d", p.DocID, w.termLastDoc)
	}
	w.block = append(w.block, p)
	w.termDocs++
	w.termLastDoc = p.DocID
	if len(w.block) == BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	if w.termBlocks == math.MaxUint16 {
		return apperrors.Capacityf("term exceeds %d posting blocks", math.MaxUint16)
	}
	entry := SkipEntry{
		LastDocID:     w.block[len(w.block)-1].DocID,
		DocCount:      uint8(len(w.block)),
		MinNorm:       math.MaxUint8,
		PostingOffset: w.sink.Offset(),
		Flags:         BlockUncompressed,
	}
	for _, p := range w.block {
		entry.MaxFrequency = max(entry.MaxFrequency, p.Frequency)
		entry.MinNorm = min(entry.MinNorm, p.Fieldnorm)
	}
	w.scratch = w.scratch[:0]
	if w.opts.Compress {
		entry.Flags = BlockDelta
		w.scratch = encodeDeltaBlock(w.scratch, w.block, w.blockBase)
	} else {
		w.scratch = encodeRawBlock(w.scratch, w.block)
	}
	if _, err := w.sink.Write(w.scratch); err != nil {
		return fmt.Errorf("writing posting block: %w", err)
	}
	var rec [SkipEntrySize]byte
	putSkipEntry(rec[:], entry, w.version)
	w.skip = append(w.skip, rec[:w.skipEntrySize]...)
	w.numSkips++
	w.termBlocks++
	w.blockBase = entry.LastDocID
	w.block = w.block[:0]
	return nil
}

// EndTerm flushes the term's final partial block and records its entry in
// dir. A term without postings gets an entry with no blocks.
func (w *Writer) EndTerm(dir *PendingDirectory) error {
	if !w.termStarted {
		return apperrors.Invariantf("term ended before it started")
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	if len(dir.entries) == dir.numTerms {
		return apperrors.Invariantf("more terms written than the %d declared", dir.numTerms)
	}
	dir.entries = append(dir.entries, DictEntry{
		SkipIndexOffset: uint64(w.termFirst),
		BlockCount:      uint16(w.termBlocks),
		DocFreq:         w.termDocs,
	})
	w.termStarted = false
	return nil
}

// WriteDocuments writes the skip index followed by the per-document
// fieldnorm and locator tables. Both slices are indexed by doc id.
func (w *Writer) WriteDocuments(fieldnorms []uint8, locators []Locator) error {
	if w.state != statePostings || w.termStarted {
		return apperrors.Invariantf("documents written before postings were complete")
	}
	if len(fieldnorms) != len(locators) {
		return apperrors.Invariantf("%d fieldnorms for %d locators", len(fieldnorms), len(locators))
	}
	w.header.SkipIndexOffset = w.sink.Offset()
	if _, err := w.sink.Write(w.skip); err != nil {
		return fmt.Errorf("writing skip index: %w", err)
	}

	w.header.FieldnormOffset = w.sink.Offset()
	if _, err := w.sink.Write(fieldnorms); err != nil {
		return fmt.Errorf("writing fieldnorms: %w", err)
	}

	le := binary.LittleEndian
	w.header.CtidPagesOffset = w.sink.Offset()
	buf := make([]byte, 0, 4*len(locators))
	for _, l := range locators {
		buf = le.AppendUint32(buf, l.Block)
	}
	if _, err := w.sink.Write(buf); err != nil {
		return fmt.Errorf("writing locator blocks: %w", err)
	}
	w.header.CtidOffsetsOffset = w.sink.Offset()
	buf = buf[:0]
	for _, l := range locators {
		buf = le.AppendUint16(buf, l.Offset)
	}
	if _, err := w.sink.Write(buf); err != nil {
		return fmt.Errorf("writing locator offsets: %w", err)
	}
	w.header.NumDocs = uint32(len(locators))
	w.state = stateDocuments
	return nil
}

// Finish backpatches the dictionary entries, seals the sink and writes the
// final header. It consumes dir.
func (w *Writer) Finish(dir *PendingDirectory, totalTokens uint64) (Location, error) {
	if w.state != stateDocuments {
		return Location{}, apperrors.Invariantf("segment finished before its documents were written")
	}
	if dir.consumed {
		return Location{}, apperrors.Invariantf("pending directory already written")
	}
	if len(dir.entries) != dir.numTerms {
		return Location{}, apperrors.Invariantf("%d of %d dictionary entries written", len(dir.entries), dir.numTerms)
	}
	dir.consumed = true

	size := w.sink.Offset()
	if w.version == FormatVersionLegacy && size > math.MaxUint32 {
		return Location{}, apperrors.Capacityf("legacy segment of %d bytes exceeds 32-bit offsets", size)
	}

	buf := make([]byte, len(dir.entries)*w.dictEntrySize)
	for i, e := range dir.entries {
		e.SkipIndexOffset = w.header.SkipIndexOffset + e.SkipIndexOffset*uint64(w.skipEntrySize)
		putDictEntry(buf[i*w.dictEntrySize:], e, w.version)
	}
	if len(buf) > 0 {
		if err := w.sink.WriteAt(buf, w.header.EntriesOffset); err != nil {
			return Location{}, fmt.Errorf("backpatching dictionary entries: %w", err)
		}
	}

	loc, err := w.sink.Seal()
	if err != nil {
		return Location{}, fmt.Errorf("sealing segment: %w", err)
	}
	w.header.DataSize = size
	w.header.TotalTokens = totalTokens
	w.header.NumPages = loc.NumPages
	w.header.PageIndex = loc.PageIndex
	if err := w.sink.WriteAt(w.header.encode(), 0); err != nil {
		return Location{}, fmt.Errorf("writing header: %w", err)
	}
	w.state = stateFinished
	return loc, nil
}

// Header returns the header as it stands; it is final after Finish.
func (w *Writer) Header() Header {
	return w.header
}
