package index

import (
	"bytes"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/arena"
)

const (
	initialSlots = 1024
	emptySlot    = -1
)

type termEntry struct {
	hash     uint64
	key      arena.Addr
	keyLen   uint32
	postings PostingList
}

// termTable maps term bytes, copied into the arena, to their posting lists.
// It uses open addressing with linear probing over a power-of-two slot
// array of indexes into entries.
type termTable struct {
	a       *arena.Arena
	slots   []int32
	entries []termEntry
}

func newTermTable(a *arena.Arena) *termTable {
	t := &termTable{a: a}
	t.reset()
	return t
}

func (t *termTable) reset() {
	t.slots = make([]int32, initialSlots)
	for i := range t.slots {
		t.slots[i] = emptySlot
	}
	t.entries = t.entries[:0]
}

func (t *termTable) Len() int { return len(t.entries) }

func (t *termTable) key(e *termEntry) []byte {
	if e.keyLen == 0 {
		return nil
	}
	return t.a.Bytes(e.key, int(e.keyLen))
}

// getOrInsert returns the posting list for term, creating it (and copying
// term into the arena) on first sight.
func (t *termTable) getOrInsert(term string) (*PostingList, error) {
	h := xxhash.Sum64String(term)
	mask := uint64(len(t.slots) - 1)
	for i := h & mask; ; i = (i + 1) & mask {
		idx := t.slots[i]
		if idx == emptySlot {
			return t.insert(i, h, term)
		}
		e := &t.entries[idx]
		if e.hash == h && string(t.key(e)) == term {
			return &e.postings, nil
		}
	}
}

func (t *termTable) insert(slot uint64, h uint64, term string) (*PostingList, error) {
	e := termEntry{hash: h, key: arena.Invalid, keyLen: uint32(len(term)), postings: NewPostingList()}
	if len(term) > 0 {
		addr, err := t.a.Alloc(len(term))
		if err != nil {
			return nil, err
		}
		copy(t.a.Bytes(addr, len(term)), term)
		e.key = addr
	}
	t.slots[slot] = int32(len(t.entries))
	t.entries = append(t.entries, e)
	if len(t.entries)*10 >= len(t.slots)*7 {
		t.rehash()
	}
	return &t.entries[len(t.entries)-1].postings, nil
}

func (t *termTable) rehash() {
	slots := make([]int32, len(t.slots)*2)
	for i := range slots {
		slots[i] = emptySlot
	}
	mask := uint64(len(slots) - 1)
	for idx := range t.entries {
		i := t.entries[idx].hash & mask
		for slots[i] != emptySlot {
			i = (i + 1) & mask
		}
		slots[i] = int32(idx)
	}
	t.slots = slots
}

// TermPostings pairs a term with its accumulated postings. Term aliases
// arena memory and is valid until the build context is reset.
type TermPostings struct {
	Term     []byte
	Postings *PostingList
}

// sorted snapshots the table in lexicographic term order.
func (t *termTable) sorted() []TermPostings {
	out := make([]TermPostings, len(t.entries))
	for i := range t.entries {
		out[i] = TermPostings{Term: t.key(&t.entries[i]), Postings: &t.entries[i].postings}
	}
	slices.SortFunc(out, func(x, y TermPostings) int {
		return bytes.Compare(x.Term, y.Term)
	})
	return out
}
