package index

import (
	"encoding/binary"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/arena"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

const (
	// entrySize is the packed size of one accumulated posting:
	// doc id u32, frequency u16, fieldnorm u8.
	entrySize = 7
	linkSize  = 4

	firstBlockLog2 = 5
	maxBlockLog2   = 15
)

// blockSize is 32 bytes for the first block, doubling per block up to 32 KiB.
func blockSize(blockNum uint32) int {
	return 1 << min(firstBlockLog2+blockNum, maxBlockLog2)
}

func blockCapacity(blockNum uint32) uint32 {
	return uint32((blockSize(blockNum) - linkSize) / entrySize)
}

// PostingList accumulates one term's postings in a chain of arena blocks.
// Each block starts with the address of the next block. The zero value is
// not ready for use; call NewPostingList.
type PostingList struct {
	head      arena.Addr
	lastBlock arena.Addr
	tail      arena.Addr
	remaining uint32
	blockNum  uint32
	count     uint32
	lastDoc   uint32
}

func NewPostingList() PostingList {
	return PostingList{head: arena.Invalid, lastBlock: arena.Invalid, tail: arena.Invalid}
}

// Len is the number of postings appended.
func (l *PostingList) Len() uint32 { return l.count }

// Append adds a posting. Appending the same doc id as the previous posting
// adds to its frequency instead.
func (l *PostingList) Append(a *arena.Arena, p segment.Posting) error {
	if l.count > 0 && p.DocID == l.lastDoc {
		last := a.Bytes(l.tail-entrySize, entrySize)
		freq := uint32(binary.LittleEndian.Uint16(last[4:6])) + uint32(p.Frequency)
		binary.LittleEndian.PutUint16(last[4:6], uint16(min(freq, 0xFFFF)))
		return nil
	}
	if l.remaining == 0 {
		if err := l.grow(a); err != nil {
			return err
		}
	}
	e := a.Bytes(l.tail, entrySize)
	binary.LittleEndian.PutUint32(e[0:4], p.DocID)
	binary.LittleEndian.PutUint16(e[4:6], p.Frequency)
	e[6] = p.Fieldnorm
	l.tail += entrySize
	l.remaining--
	l.count++
	l.lastDoc = p.DocID
	return nil
}

func (l *PostingList) grow(a *arena.Arena) error {
	addr, err := a.Alloc(blockSize(l.blockNum))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(a.Bytes(addr, linkSize), uint32(arena.Invalid))
	if l.lastBlock.Valid() {
		binary.LittleEndian.PutUint32(a.Bytes(l.lastBlock, linkSize), uint32(addr))
	} else {
		l.head = addr
	}
	l.lastBlock = addr
	l.tail = addr + linkSize
	l.remaining = blockCapacity(l.blockNum)
	l.blockNum++
	return nil
}

// PostingReader streams a PostingList in append order. Readers never modify
// the list, so several may walk the same list.
type PostingReader struct {
	a        *arena.Arena
	block    arena.Addr
	blockNum uint32
	offset   uint32
	left     uint32
}

func (l *PostingList) Reader(a *arena.Arena) *PostingReader {
	return &PostingReader{a: a, block: l.head, left: l.count}
}

// Read fills out and returns the number of postings read; 0 means the list
// is exhausted.
func (r *PostingReader) Read(out []segment.Posting) int {
	n := 0
	for n < len(out) && r.left > 0 {
		capacity := blockCapacity(r.blockNum)
		if r.offset == capacity {
			next := binary.LittleEndian.Uint32(r.a.Bytes(r.block, linkSize))
			r.block = arena.Addr(next)
			r.blockNum++
			r.offset = 0
			capacity = blockCapacity(r.blockNum)
		}
		take := min(uint32(len(out)-n), capacity-r.offset, r.left)
		data := r.a.Bytes(r.block+linkSize+arena.Addr(r.offset*entrySize), int(take*entrySize))
		for i := uint32(0); i < take; i++ {
			e := data[i*entrySize:]
			out[n] = segment.Posting{
				DocID:     binary.LittleEndian.Uint32(e[0:4]),
				Frequency: binary.LittleEndian.Uint16(e[4:6]),
				Fieldnorm: e[6],
			}
			n++
		}
		r.offset += take
		r.left -= take
	}
	return n
}
