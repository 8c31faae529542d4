// Package arena implements the bump allocator that owns every byte of one
// build batch. Memory is handed out from fixed 1 MiB pages and addressed by a
// packed 32-bit Addr, so structures built on top of it link to each other by
// integer address rather than by pointer and are freed in bulk.
package arena

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const (
	PageShift = 20
	PageSize  = 1 << PageShift
	MaxPages  = 4096
	Alignment = 4

	offsetMask = PageSize - 1
)

// Addr packs a page index (upper 12 bits) and an in-page offset (lower 20
// bits). Invalid is never returned by Alloc.
type Addr uint32

const Invalid Addr = 0xFFFFFFFF

func makeAddr(page, offset uint32) Addr {
	return Addr(page<<PageShift | offset)
}

func (a Addr) Page() uint32   { return uint32(a) >> PageShift }
func (a Addr) Offset() uint32 { return uint32(a) & offsetMask }
func (a Addr) Valid() bool    { return a != Invalid }

func (a Addr) String() string {
	if !a.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", a.Page(), a.Offset())
}

// Arena is not safe for concurrent use; each build context owns one.
type Arena struct {
	pages    [][]byte
	current  uint32
	offset   uint32
	total    int64
	maxPages uint32
}

func New() *Arena {
	return NewWithLimit(MaxPages)
}

// NewWithLimit creates an arena that fails with a capacity error once
// maxPages pages are in use.
func NewWithLimit(maxPages int) *Arena {
	if maxPages <= 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	return &Arena{
		pages:    [][]byte{make([]byte, PageSize)},
		maxPages: uint32(maxPages),
	}
}

// Alloc reserves size bytes, rounded up to Alignment, and returns their
// address. The returned bytes are zeroed.
func (a *Arena) Alloc(size int) (Addr, error) {
	if a.pages == nil {
		return Invalid, fmt.Errorf("arena used after destroy")
	}
	if size <= 0 {
		return Invalid, fmt.Errorf("%w: allocation size must be positive, got %d", apperrors.ErrInvalidInput, size)
	}
	if size > PageSize {
		return Invalid, apperrors.Capacityf("allocation of %d bytes exceeds page size %d", size, PageSize)
	}
	aligned := uint32((size + Alignment - 1) &^ (Alignment - 1))
	if a.offset+aligned > PageSize {
		if err := a.nextPage(); err != nil {
			return Invalid, err
		}
	}
	addr := makeAddr(a.current, a.offset)
	a.offset += aligned
	a.total += int64(aligned)
	return addr, nil
}

func (a *Arena) nextPage() error {
	next := a.current + 1
	if next >= a.maxPages {
		return apperrors.Capacityf("arena exhausted %d pages of %d bytes", a.maxPages, PageSize)
	}
	if int(next) == len(a.pages) {
		a.pages = append(a.pages, make([]byte, PageSize))
	}
	a.current = next
	a.offset = 0
	return nil
}

// Bytes resolves addr to a slice of length n. The slice stays valid until the
// next Reset or Destroy.
func (a *Arena) Bytes(addr Addr, n int) []byte {
	page := a.pages[addr.Page()]
	off := addr.Offset()
	return page[off : off+uint32(n) : off+uint32(n)]
}

// Resolve returns the remainder of addr's page starting at addr.
func (a *Arena) Resolve(addr Addr) []byte {
	return a.pages[addr.Page()][addr.Offset():]
}

// Reset frees every page but the first and zeroes allocation state.
func (a *Arena) Reset() {
	if a.pages == nil {
		a.pages = [][]byte{make([]byte, PageSize)}
	} else {
		first := a.pages[0]
		clear(first[:a.firstPageUsed()])
		for i := 1; i < len(a.pages); i++ {
			a.pages[i] = nil
		}
		a.pages = a.pages[:1]
	}
	a.current = 0
	a.offset = 0
	a.total = 0
}

func (a *Arena) firstPageUsed() uint32 {
	if a.current == 0 {
		return a.offset
	}
	return PageSize
}

// Destroy releases every page. The arena must not be used afterwards.
func (a *Arena) Destroy() {
	a.pages = nil
	a.current = 0
	a.offset = 0
	a.total = 0
}

// BytesUsed is the sum of aligned allocation sizes since the last reset.
func (a *Arena) BytesUsed() int64 {
	return a.total
}

func (a *Arena) NumPages() int {
	return len(a.pages)
}
