package segment

import (
	"encoding/binary"
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

const (
	metaMagic   uint32 = 0x424D4D54
	metaVersion uint32 = 1

	// MaxLevels is the number of level chains tracked in the metapage.
	MaxLevels = 8

	metaLevelsOffset = 24
	metaLevelSize    = 12
	metaSize         = metaLevelsOffset + MaxLevels*metaLevelSize
)

// LevelMeta describes one level chain. Head is the oldest segment; new
// segments are linked after Tail.
type LevelMeta struct {
	Head  uint32
	Tail  uint32
	Count uint32
}

// Meta is the index-wide metadata stored in block 0.
type Meta struct {
	TotalDocs uint64
	TotalLen  uint64
	Levels    [MaxLevels]LevelMeta
}

func emptyMeta() Meta {
	var m Meta
	for i := range m.Levels {
		m.Levels[i] = LevelMeta{Head: InvalidBlock, Tail: InvalidBlock}
	}
	return m
}

// LoadMeta reads the metapage. A never-written metapage yields empty chains.
func (s *PageStore) LoadMeta() (Meta, error) {
	buf := make([]byte, PageSize)
	if err := s.ReadPage(MetaBlock, buf); err != nil {
		return Meta{}, fmt.Errorf("reading metapage: %w", err)
	}
	le := binary.LittleEndian
	magic := le.Uint32(buf[0:4])
	if magic == 0 {
		return emptyMeta(), nil
	}
	if magic != metaMagic {
		return Meta{}, apperrors.Corruptf("bad metapage magic %x", magic)
	}
	if v := le.Uint32(buf[4:8]); v != metaVersion {
		return Meta{}, apperrors.Corruptf("unsupported metapage version %d", v)
	}
	m := Meta{
		TotalDocs: le.Uint64(buf[8:16]),
		TotalLen:  le.Uint64(buf[16:24]),
	}
	for i := range m.Levels {
		off := metaLevelsOffset + i*metaLevelSize
		m.Levels[i] = LevelMeta{
			Head:  le.Uint32(buf[off : off+4]),
			Tail:  le.Uint32(buf[off+4 : off+8]),
			Count: le.Uint32(buf[off+8 : off+12]),
		}
	}
	return m, nil
}

// StoreMeta writes the metapage and syncs the store.
func (s *PageStore) StoreMeta(m Meta) error {
	buf := make([]byte, metaSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], metaMagic)
	le.PutUint32(buf[4:8], metaVersion)
	le.PutUint64(buf[8:16], m.TotalDocs)
	le.PutUint64(buf[16:24], m.TotalLen)
	for i, lvl := range m.Levels {
		off := metaLevelsOffset + i*metaLevelSize
		le.PutUint32(buf[off:off+4], lvl.Head)
		le.PutUint32(buf[off+4:off+8], lvl.Tail)
		le.PutUint32(buf[off+8:off+12], lvl.Count)
	}
	if err := s.WritePage(MetaBlock, buf); err != nil {
		return fmt.Errorf("writing metapage: %w", err)
	}
	return s.Sync()
}

// LinkTail appends the segment rooted at root to level's chain, rewriting the
// previous tail's forward link and the new segment's level field.
func (s *PageStore) LinkTail(m *Meta, level int, root uint32) error {
	if level < 0 || level >= MaxLevels {
		return apperrors.Invariantf("level %d out of range", level)
	}
	if err := s.SetSegmentLink(root, uint32(level), InvalidBlock); err != nil {
		return err
	}
	lvl := &m.Levels[level]
	if lvl.Tail != InvalidBlock {
		if err := s.setNext(lvl.Tail, root); err != nil {
			return err
		}
	} else {
		lvl.Head = root
	}
	lvl.Tail = root
	lvl.Count++
	return nil
}

// SetSegmentLink rewrites the level and forward link in a segment's header.
func (s *PageStore) SetSegmentLink(root uint32, level uint32, next uint32) error {
	off, err := s.linkOffset(root)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], level)
	binary.LittleEndian.PutUint32(buf[4:8], next)
	if err := s.WriteAt(root, off, buf); err != nil {
		return fmt.Errorf("relinking segment %d: %w", root, err)
	}
	return nil
}

func (s *PageStore) setNext(root uint32, next uint32) error {
	off, err := s.linkOffset(root)
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, next)
	if err := s.WriteAt(root, off+4, buf); err != nil {
		return fmt.Errorf("linking segment %d to %d: %w", root, next, err)
	}
	return nil
}

// linkOffset returns the header offset of the level field, which the
// forward link immediately follows in both header versions.
func (s *PageStore) linkOffset(root uint32) (int, error) {
	buf := make([]byte, PageSize)
	if err := s.ReadPage(root, buf); err != nil {
		return 0, err
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return 0, fmt.Errorf("segment %d: %w", root, err)
	}
	if h.Version == FormatVersionLegacy {
		return legacyHeaderLevelOffset, nil
	}
	return headerLevelOffset, nil
}

// ChainRoots walks a level chain from head and returns the segment roots in
// chain order.
func (s *PageStore) ChainRoots(lvl LevelMeta) ([]uint32, error) {
	roots := make([]uint32, 0, lvl.Count)
	buf := make([]byte, PageSize)
	for blk := lvl.Head; blk != InvalidBlock; {
		if len(roots) > int(lvl.Count) {
			return nil, apperrors.Corruptf("level chain from %d is longer than its count %d", lvl.Head, lvl.Count)
		}
		if err := s.ReadPage(blk, buf); err != nil {
			return nil, err
		}
		h, err := UnmarshalHeader(buf)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", blk, err)
		}
		roots = append(roots, blk)
		blk = h.NextSegment
	}
	return roots, nil
}
