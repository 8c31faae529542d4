package segment

import (
	"encoding/binary"

	"github.com/dgryski/go-groupvarint"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// A delta block stores doc ids as gaps from the previous block's last doc
// id, group-varint encoded four at a time, followed by the frequencies and
// fieldnorms as plain arrays:
//
//	[gapBytes u16][gaps...][freq u16 x n][norm u8 x n]
const deltaBlockHeaderSize = 2

// encodeRawBlock appends the fixed 8-byte form of postings to dst.
func encodeRawBlock(dst []byte, postings []Posting) []byte {
	var rec [PostingSize]byte
	le := binary.LittleEndian
	for _, p := range postings {
		le.PutUint32(rec[0:4], p.DocID)
		le.PutUint16(rec[4:6], p.Frequency)
		rec[6] = p.Fieldnorm
		rec[7] = 0
		dst = append(dst, rec[:]...)
	}
	return dst
}

// encodeDeltaBlock appends the delta form of postings to dst. base is the
// last doc id of the term's previous block, or zero for the first block.
func encodeDeltaBlock(dst []byte, postings []Posting, base uint32) []byte {
	start := len(dst)
	dst = append(dst, 0, 0)
	var group [4]uint32
	scratch := make([]byte, 17)
	last := base
	for i := 0; i < len(postings); i += 4 {
		for j := 0; j < 4; j++ {
			if i+j < len(postings) {
				group[j] = postings[i+j].DocID - last
				last = postings[i+j].DocID
			} else {
				group[j] = 0
			}
		}
		dst = append(dst, groupvarint.Encode4(scratch, group[:])...)
	}
	binary.LittleEndian.PutUint16(dst[start:], uint16(len(dst)-start-deltaBlockHeaderSize))
	for _, p := range postings {
		dst = binary.LittleEndian.AppendUint16(dst, p.Frequency)
	}
	for _, p := range postings {
		dst = append(dst, p.Fieldnorm)
	}
	return dst
}

// decodeDeltaBlock decodes n postings from src, which must start at a delta
// block. It returns the number of bytes consumed.
func decodeDeltaBlock(dst []Posting, src []byte, n int, base uint32) (int, error) {
	if len(src) < deltaBlockHeaderSize {
		return 0, apperrors.Corruptf("delta block truncated")
	}
	gapBytes := int(binary.LittleEndian.Uint16(src))
	total := deltaBlockHeaderSize + gapBytes + 3*n
	if len(src) < total {
		return 0, apperrors.Corruptf("delta block needs %d bytes, have %d", total, len(src))
	}
	// Decode4 may read up to three bytes past the final group.
	gaps := make([]byte, gapBytes+3)
	copy(gaps, src[deltaBlockHeaderSize:deltaBlockHeaderSize+gapBytes])
	var group [4]uint32
	last := base
	for i, pos := 0, 0; i < n; i += 4 {
		if pos >= gapBytes {
			return 0, apperrors.Corruptf("delta block gaps end after %d of %d postings", i, n)
		}
		groupvarint.Decode4(group[:], gaps[pos:])
		pos += int(groupvarint.BytesUsed[gaps[pos]])
		for j := 0; j < 4 && i+j < n; j++ {
			last += group[j]
			dst[i+j].DocID = last
		}
	}
	freqs := src[deltaBlockHeaderSize+gapBytes:]
	norms := freqs[2*n:]
	for i := 0; i < n; i++ {
		dst[i].Frequency = binary.LittleEndian.Uint16(freqs[2*i:])
		dst[i].Fieldnorm = norms[i]
	}
	return total, nil
}

func decodeRawBlock(dst []Posting, src []byte, n int) error {
	if len(src) < n*PostingSize {
		return apperrors.Corruptf("raw block needs %d bytes, have %d", n*PostingSize, len(src))
	}
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		rec := src[i*PostingSize:]
		dst[i] = Posting{
			DocID:     le.Uint32(rec[0:4]),
			Frequency: le.Uint16(rec[4:6]),
			Fieldnorm: rec[6],
		}
	}
	return nil
}

// maxDeltaBlockSize bounds the encoded size of a full delta block.
const maxDeltaBlockSize = deltaBlockHeaderSize + (BlockSize/4)*17 + 3*BlockSize
