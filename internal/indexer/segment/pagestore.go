package segment

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const (
	PageSize = 8192

	// MetaBlock holds the index metapage.
	MetaBlock uint32 = 0

	// ExtendBatchPages bounds a single file extension during bulk extends.
	ExtendBatchPages = 8192

	pageIndexMagic          uint32 = 0x42504958
	pageIndexVersion        uint16 = 1
	pageTypeIndex           uint16 = 2
	pageIndexHeaderSize            = 16
	pageIndexEntriesPerPage        = (PageSize - pageIndexHeaderSize) / 4
)

// PageStore is a file of fixed-size pages. Block 0 is the metapage; every
// other block belongs to exactly one segment or is unused.
type PageStore struct {
	file    *os.File
	path    string
	extend  sync.Mutex
	nblocks atomic.Uint32
	cache   *ristretto.Cache[uint64, []byte]
	logger  *slog.Logger

	// claimNext and claimEnd bound the pre-extended region handed out by
	// ClaimPages.
	claimNext atomic.Uint32
	claimEnd  atomic.Uint32
}

// OpenPageStore opens or creates the page file at path. cacheBytes of zero
// disables the page cache.
func OpenPageStore(path string, cacheBytes int64) (*PageStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening page store: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat page store: %w", err)
	}
	if info.Size()%PageSize != 0 {
		f.Close()
		return nil, apperrors.Corruptf("page store size %d is not a multiple of %d", info.Size(), PageSize)
	}
	s := &PageStore{
		file:   f,
		path:   path,
		logger: slog.Default().With("component", "page-store"),
	}
	s.nblocks.Store(uint32(info.Size() / PageSize))
	if cacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: max(cacheBytes/PageSize*10, 1024),
			MaxCost:     cacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("creating page cache: %w", err)
		}
		s.cache = cache
	}
	if s.nblocks.Load() == 0 {
		if _, err := s.Extend(1); err != nil {
			s.Close()
			return nil, fmt.Errorf("reserving metapage: %w", err)
		}
	}
	return s, nil
}

func (s *PageStore) Path() string { return s.path }

// NumPages is the current physical size of the store in pages.
func (s *PageStore) NumPages() uint32 {
	return s.nblocks.Load()
}

// AllocatePage grows the store by one page and returns its block number.
func (s *PageStore) AllocatePage() (uint32, error) {
	return s.Extend(1)
}

// Extend grows the store by n pages, in batches of at most ExtendBatchPages,
// and returns the first new block.
func (s *PageStore) Extend(n uint32) (uint32, error) {
	s.extend.Lock()
	defer s.extend.Unlock()
	first := s.nblocks.Load()
	remaining := n
	for remaining > 0 {
		batch := min(remaining, ExtendBatchPages)
		size := int64(s.nblocks.Load()+batch) * PageSize
		if err := s.file.Truncate(size); err != nil {
			return InvalidBlock, fmt.Errorf("extending page store to %d bytes: %w", size, err)
		}
		s.nblocks.Add(batch)
		remaining -= batch
	}
	return first, nil
}

// SetNextPage points the shared claim counter at first. Claims may not pass
// end, which must not exceed NumPages.
func (s *PageStore) SetNextPage(first, end uint32) error {
	if first > end || end > s.nblocks.Load() {
		return apperrors.Invariantf("claim region [%d, %d) outside store of %d pages", first, end, s.nblocks.Load())
	}
	s.claimEnd.Store(end)
	s.claimNext.Store(first)
	return nil
}

// ClaimPages takes n contiguous pages from the claim region and returns the
// first. Concurrent callers always receive disjoint ranges.
func (s *PageStore) ClaimPages(n uint32) (uint32, error) {
	first := s.claimNext.Add(n) - n
	if end := s.claimEnd.Load(); uint64(first)+uint64(n) > uint64(end) {
		return InvalidBlock, apperrors.Invariantf("claim of %d pages at %d passes pre-extended end %d", n, first, end)
	}
	return first, nil
}

// ClaimedThrough is the claim counter's current position.
func (s *PageStore) ClaimedThrough() uint32 {
	return s.claimNext.Load()
}

// Truncate drops every page at or above nblocks.
func (s *PageStore) Truncate(nblocks uint32) error {
	s.extend.Lock()
	defer s.extend.Unlock()
	if nblocks >= s.nblocks.Load() {
		return nil
	}
	if err := s.file.Truncate(int64(nblocks) * PageSize); err != nil {
		return fmt.Errorf("truncating page store to %d pages: %w", nblocks, err)
	}
	from := s.nblocks.Swap(nblocks)
	if s.cache != nil {
		s.cache.Clear()
	}
	s.logger.Info("truncated page store", "path", s.path, "from_pages", from, "to_pages", nblocks)
	return nil
}

// ReadPage fills buf (PageSize bytes) with block blk.
func (s *PageStore) ReadPage(blk uint32, buf []byte) error {
	if blk >= s.nblocks.Load() {
		return apperrors.Corruptf("read of block %d beyond store end %d", blk, s.nblocks.Load())
	}
	if s.cache != nil {
		if page, ok := s.cache.Get(uint64(blk)); ok {
			copy(buf, page)
			return nil
		}
	}
	if _, err := s.file.ReadAt(buf[:PageSize], int64(blk)*PageSize); err != nil {
		return fmt.Errorf("reading block %d: %w", blk, err)
	}
	if s.cache != nil {
		page := make([]byte, PageSize)
		copy(page, buf)
		s.cache.Set(uint64(blk), page, PageSize)
	}
	return nil
}

// WritePage overwrites block blk with data, which may be shorter than a page.
func (s *PageStore) WritePage(blk uint32, data []byte) error {
	return s.WriteAt(blk, 0, data)
}

// WriteAt writes data at byte offset off within block blk.
func (s *PageStore) WriteAt(blk uint32, off int, data []byte) error {
	if blk >= s.nblocks.Load() {
		return apperrors.Invariantf("write to block %d beyond store end %d", blk, s.nblocks.Load())
	}
	if off+len(data) > PageSize {
		return apperrors.Invariantf("write of %d bytes at %d overruns block %d", len(data), off, blk)
	}
	if _, err := s.file.WriteAt(data, int64(blk)*PageSize+int64(off)); err != nil {
		return fmt.Errorf("writing block %d: %w", blk, err)
	}
	if s.cache != nil {
		s.cache.Wait()
		s.cache.Del(uint64(blk))
	}
	return nil
}

func (s *PageStore) Sync() error {
	return s.file.Sync()
}

func (s *PageStore) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.file.Close()
}

// writePageIndex stores the data block list in a chain of page-index pages
// drawn from alloc and returns the first page-index block.
func writePageIndex(store *PageStore, alloc pageAllocator, blocks []uint32) (uint32, error) {
	npages := (len(blocks) + pageIndexEntriesPerPage - 1) / pageIndexEntriesPerPage
	if npages == 0 {
		npages = 1
	}
	pageBlocks := make([]uint32, npages)
	for i := range pageBlocks {
		blk, err := alloc.next()
		if err != nil {
			return InvalidBlock, fmt.Errorf("allocating page index page: %w", err)
		}
		pageBlocks[i] = blk
	}
	buf := make([]byte, PageSize)
	le := binary.LittleEndian
	for i, blk := range pageBlocks {
		clear(buf)
		start := i * pageIndexEntriesPerPage
		end := min(start+pageIndexEntriesPerPage, len(blocks))
		next := InvalidBlock
		if i+1 < len(pageBlocks) {
			next = pageBlocks[i+1]
		}
		le.PutUint32(buf[0:4], pageIndexMagic)
		le.PutUint16(buf[4:6], pageIndexVersion)
		le.PutUint16(buf[6:8], pageTypeIndex)
		le.PutUint32(buf[8:12], next)
		le.PutUint16(buf[12:14], uint16(end-start))
		for j, b := range blocks[start:end] {
			le.PutUint32(buf[pageIndexHeaderSize+4*j:], b)
		}
		if err := store.WritePage(blk, buf); err != nil {
			return InvalidBlock, err
		}
	}
	return pageBlocks[0], nil
}

// readPageIndex follows the page-index chain starting at first and returns
// the data blocks in logical order.
func readPageIndex(store *PageStore, first uint32) ([]uint32, []uint32, error) {
	var blocks, indexPages []uint32
	buf := make([]byte, PageSize)
	le := binary.LittleEndian
	for blk := first; blk != InvalidBlock; {
		if len(indexPages) > int(store.NumPages()) {
			return nil, nil, apperrors.Corruptf("page index chain from %d loops", first)
		}
		if err := store.ReadPage(blk, buf); err != nil {
			return nil, nil, err
		}
		if le.Uint32(buf[0:4]) != pageIndexMagic || le.Uint16(buf[6:8]) != pageTypeIndex {
			return nil, nil, apperrors.Corruptf("block %d is not a page index page", blk)
		}
		indexPages = append(indexPages, blk)
		count := int(le.Uint16(buf[12:14]))
		if count > pageIndexEntriesPerPage {
			return nil, nil, apperrors.Corruptf("page index block %d claims %d entries", blk, count)
		}
		for j := 0; j < count; j++ {
			blocks = append(blocks, le.Uint32(buf[pageIndexHeaderSize+4*j:]))
		}
		blk = le.Uint32(buf[8:12])
	}
	return blocks, indexPages, nil
}

// pageAllocator hands out physical blocks to a page sink.
type pageAllocator interface {
	next() (uint32, error)
}

type storeAllocator struct {
	store *PageStore
}

func (a storeAllocator) next() (uint32, error) {
	return a.store.AllocatePage()
}

// rangeAllocator hands out a contiguous range claimed up front.
type rangeAllocator struct {
	nextBlk uint32
	end     uint32
}

func (a *rangeAllocator) next() (uint32, error) {
	if a.nextBlk >= a.end {
		return InvalidBlock, apperrors.Invariantf("claimed page range exhausted at %d", a.end)
	}
	blk := a.nextBlk
	a.nextBlk++
	return blk, nil
}
