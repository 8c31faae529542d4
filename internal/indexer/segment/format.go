package segment

import (
	"encoding/binary"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const (
	MagicBytes uint32 = 0x424D3235

	// FormatVersionLegacy segments use 32-bit section offsets.
	FormatVersionLegacy uint32 = 3
	FormatVersion       uint32 = 4

	HeaderSize       = 128
	legacyHeaderSize = 88

	DictEntrySize       = 16
	legacyDictEntrySize = 12
	SkipEntrySize       = 20
	legacySkipEntrySize = 16
	PostingSize         = 8

	// BlockSize is the number of postings per block.
	BlockSize = 128

	InvalidBlock uint32 = 0xFFFFFFFF
)

// Block encodings recorded in SkipEntry.Flags.
const (
	BlockUncompressed uint8 = 0
	BlockDelta        uint8 = 1
)

// Header is the fixed record at logical offset 0 of every segment. All
// section offsets are absolute within the segment's logical byte stream.
type Header struct {
	Magic             uint32
	Version           uint32
	CreatedAt         int64
	NumPages          uint32
	DataSize          uint64
	Level             uint32
	NextSegment       uint32
	DictionaryOffset  uint64
	StringsOffset     uint64
	EntriesOffset     uint64
	PostingsOffset    uint64
	SkipIndexOffset   uint64
	FieldnormOffset   uint64
	CtidPagesOffset   uint64
	CtidOffsetsOffset uint64
	NumTerms          uint32
	NumDocs           uint32
	TotalTokens       uint64
	PageIndex         uint32
}

func newHeader(level uint32) Header {
	return Header{
		Magic:       MagicBytes,
		Version:     FormatVersion,
		CreatedAt:   time.Now().UnixMicro(),
		Level:       level,
		NextSegment: InvalidBlock,
		PageIndex:   InvalidBlock,
	}
}

// Offsets of the level field, rewritten when a segment is relinked after it
// has been written. The forward link follows it.
const (
	headerLevelOffset       = 32
	legacyHeaderLevelOffset = 24
)

// encode dispatches on h.Version.
func (h *Header) encode() []byte {
	if h.Version == FormatVersionLegacy {
		return marshalLegacyHeader(h)
	}
	return h.Marshal()
}

func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], h.Magic)
	le.PutUint32(buf[4:8], h.Version)
	le.PutUint64(buf[8:16], uint64(h.CreatedAt))
	le.PutUint32(buf[16:20], h.NumPages)
	le.PutUint64(buf[24:32], h.DataSize)
	le.PutUint32(buf[32:36], h.Level)
	le.PutUint32(buf[36:40], h.NextSegment)
	le.PutUint64(buf[40:48], h.DictionaryOffset)
	le.PutUint64(buf[48:56], h.StringsOffset)
	le.PutUint64(buf[56:64], h.EntriesOffset)
	le.PutUint64(buf[64:72], h.PostingsOffset)
	le.PutUint64(buf[72:80], h.SkipIndexOffset)
	le.PutUint64(buf[80:88], h.FieldnormOffset)
	le.PutUint64(buf[88:96], h.CtidPagesOffset)
	le.PutUint64(buf[96:104], h.CtidOffsetsOffset)
	le.PutUint32(buf[104:108], h.NumTerms)
	le.PutUint32(buf[108:112], h.NumDocs)
	le.PutUint64(buf[112:120], h.TotalTokens)
	le.PutUint32(buf[120:124], h.PageIndex)
	return buf
}

// UnmarshalHeader decodes either header version. buf must hold at least
// HeaderSize bytes, or legacyHeaderSize for version 3 segments.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < 8 {
		return h, apperrors.Corruptf("header truncated to %d bytes", len(buf))
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(buf[0:4])
	if h.Magic != MagicBytes {
		return h, apperrors.Corruptf("bad magic bytes %x", h.Magic)
	}
	h.Version = le.Uint32(buf[4:8])
	switch h.Version {
	case FormatVersion:
		if len(buf) < HeaderSize {
			return h, apperrors.Corruptf("v%d header truncated to %d bytes", h.Version, len(buf))
		}
		h.CreatedAt = int64(le.Uint64(buf[8:16]))
		h.NumPages = le.Uint32(buf[16:20])
		h.DataSize = le.Uint64(buf[24:32])
		h.Level = le.Uint32(buf[32:36])
		h.NextSegment = le.Uint32(buf[36:40])
		h.DictionaryOffset = le.Uint64(buf[40:48])
		h.StringsOffset = le.Uint64(buf[48:56])
		h.EntriesOffset = le.Uint64(buf[56:64])
		h.PostingsOffset = le.Uint64(buf[64:72])
		h.SkipIndexOffset = le.Uint64(buf[72:80])
		h.FieldnormOffset = le.Uint64(buf[80:88])
		h.CtidPagesOffset = le.Uint64(buf[88:96])
		h.CtidOffsetsOffset = le.Uint64(buf[96:104])
		h.NumTerms = le.Uint32(buf[104:108])
		h.NumDocs = le.Uint32(buf[108:112])
		h.TotalTokens = le.Uint64(buf[112:120])
		h.PageIndex = le.Uint32(buf[120:124])
	case FormatVersionLegacy:
		if len(buf) < legacyHeaderSize {
			return h, apperrors.Corruptf("v%d header truncated to %d bytes", h.Version, len(buf))
		}
		h.CreatedAt = int64(le.Uint64(buf[8:16]))
		h.NumPages = le.Uint32(buf[16:20])
		h.DataSize = uint64(le.Uint32(buf[20:24]))
		h.Level = le.Uint32(buf[24:28])
		h.NextSegment = le.Uint32(buf[28:32])
		h.DictionaryOffset = uint64(le.Uint32(buf[32:36]))
		h.StringsOffset = uint64(le.Uint32(buf[36:40]))
		h.EntriesOffset = uint64(le.Uint32(buf[40:44]))
		h.PostingsOffset = uint64(le.Uint32(buf[44:48]))
		h.SkipIndexOffset = uint64(le.Uint32(buf[48:52]))
		h.FieldnormOffset = uint64(le.Uint32(buf[52:56]))
		h.CtidPagesOffset = uint64(le.Uint32(buf[56:60]))
		h.CtidOffsetsOffset = uint64(le.Uint32(buf[60:64]))
		h.NumTerms = le.Uint32(buf[64:68])
		h.NumDocs = le.Uint32(buf[68:72])
		h.TotalTokens = le.Uint64(buf[72:80])
		h.PageIndex = le.Uint32(buf[80:84])
	default:
		return h, apperrors.Corruptf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

// marshalLegacyHeader encodes h in the version 3 layout, written when a
// Writer is asked for legacy output.
func marshalLegacyHeader(h *Header) []byte {
	buf := make([]byte, legacyHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], h.Magic)
	le.PutUint32(buf[4:8], FormatVersionLegacy)
	le.PutUint64(buf[8:16], uint64(h.CreatedAt))
	le.PutUint32(buf[16:20], h.NumPages)
	le.PutUint32(buf[20:24], uint32(h.DataSize))
	le.PutUint32(buf[24:28], h.Level)
	le.PutUint32(buf[28:32], h.NextSegment)
	le.PutUint32(buf[32:36], uint32(h.DictionaryOffset))
	le.PutUint32(buf[36:40], uint32(h.StringsOffset))
	le.PutUint32(buf[40:44], uint32(h.EntriesOffset))
	le.PutUint32(buf[44:48], uint32(h.PostingsOffset))
	le.PutUint32(buf[48:52], uint32(h.SkipIndexOffset))
	le.PutUint32(buf[52:56], uint32(h.FieldnormOffset))
	le.PutUint32(buf[56:60], uint32(h.CtidPagesOffset))
	le.PutUint32(buf[60:64], uint32(h.CtidOffsetsOffset))
	le.PutUint32(buf[64:68], h.NumTerms)
	le.PutUint32(buf[68:72], h.NumDocs)
	le.PutUint64(buf[72:80], h.TotalTokens)
	le.PutUint32(buf[80:84], h.PageIndex)
	return buf
}

// DictEntry locates one term's skip entries.
type DictEntry struct {
	SkipIndexOffset uint64
	BlockCount      uint16
	DocFreq         uint32
}

func DictEntrySizeFor(version uint32) int {
	if version == FormatVersionLegacy {
		return legacyDictEntrySize
	}
	return DictEntrySize
}

func putDictEntry(buf []byte, e DictEntry, version uint32) {
	le := binary.LittleEndian
	if version == FormatVersionLegacy {
		le.PutUint32(buf[0:4], uint32(e.SkipIndexOffset))
		le.PutUint16(buf[4:6], e.BlockCount)
		le.PutUint16(buf[6:8], 0)
		le.PutUint32(buf[8:12], e.DocFreq)
		return
	}
	le.PutUint64(buf[0:8], e.SkipIndexOffset)
	le.PutUint16(buf[8:10], e.BlockCount)
	le.PutUint16(buf[10:12], 0)
	le.PutUint32(buf[12:16], e.DocFreq)
}

func decodeDictEntry(buf []byte, version uint32) DictEntry {
	le := binary.LittleEndian
	if version == FormatVersionLegacy {
		return DictEntry{
			SkipIndexOffset: uint64(le.Uint32(buf[0:4])),
			BlockCount:      le.Uint16(buf[4:6]),
			DocFreq:         le.Uint32(buf[8:12]),
		}
	}
	return DictEntry{
		SkipIndexOffset: le.Uint64(buf[0:8]),
		BlockCount:      le.Uint16(buf[8:10]),
		DocFreq:         le.Uint32(buf[12:16]),
	}
}

// SkipEntry summarises one posting block. MinNorm is the smallest fieldnorm
// in the block, i.e. the shortest document.
type SkipEntry struct {
	LastDocID     uint32
	DocCount      uint8
	MaxFrequency  uint16
	MinNorm       uint8
	PostingOffset uint64
	Flags         uint8
}

func SkipEntrySizeFor(version uint32) int {
	if version == FormatVersionLegacy {
		return legacySkipEntrySize
	}
	return SkipEntrySize
}

func putSkipEntry(buf []byte, s SkipEntry, version uint32) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.LastDocID)
	buf[4] = s.DocCount
	le.PutUint16(buf[5:7], s.MaxFrequency)
	buf[7] = s.MinNorm
	if version == FormatVersionLegacy {
		le.PutUint32(buf[8:12], uint32(s.PostingOffset))
		buf[12] = s.Flags
		buf[13], buf[14], buf[15] = 0, 0, 0
		return
	}
	le.PutUint64(buf[8:16], s.PostingOffset)
	buf[16] = s.Flags
	buf[17], buf[18], buf[19] = 0, 0, 0
}

func decodeSkipEntry(buf []byte, version uint32) SkipEntry {
	le := binary.LittleEndian
	s := SkipEntry{
		LastDocID:    le.Uint32(buf[0:4]),
		DocCount:     buf[4],
		MaxFrequency: le.Uint16(buf[5:7]),
		MinNorm:      buf[7],
	}
	if version == FormatVersionLegacy {
		s.PostingOffset = uint64(le.Uint32(buf[8:12]))
		s.Flags = buf[12]
	} else {
		s.PostingOffset = le.Uint64(buf[8:16])
		s.Flags = buf[16]
	}
	return s
}

// Posting is one block entry. DocID is local to the segment.
type Posting struct {
	DocID     uint32
	Frequency uint16
	Fieldnorm uint8
}

// Locator is the external address of a source document: the block number
// and 1-based item offset of the row it was built from.
type Locator struct {
	Block  uint32
	Offset uint16
}

// Less orders locators by block, then by offset.
func (l Locator) Less(o Locator) bool {
	if l.Block != o.Block {
		return l.Block < o.Block
	}
	return l.Offset < o.Offset
}

// DataPagesFor is the number of data pages a logical stream of size bytes
// occupies.
func DataPagesFor(size uint64) uint32 {
	return uint32((size + PageSize - 1) / PageSize)
}

// PagesFor is the total page footprint of a segment of size bytes: its data
// pages plus the page-index pages listing them.
func PagesFor(size uint64) uint32 {
	data := DataPagesFor(size)
	return data + (data+pageIndexEntriesPerPage-1)/pageIndexEntriesPerPage
}
