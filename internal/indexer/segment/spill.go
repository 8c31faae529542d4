package segment

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"

	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// SpillFile is a private staging file holding whole segments back to back.
// Writes go through the file; reads go through a read-only mapping that is
// refreshed when the file has grown past it.
type SpillFile struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	mapped  mmap.MMap
	retired []mmap.MMap
}

// CreateSpillFile creates (or truncates) the spill file at path.
func CreateSpillFile(path string) (*SpillFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating spill file: %w", err)
	}
	return &SpillFile{file: f, path: path}, nil
}

func (s *SpillFile) Path() string { return s.path }

// Size is the end of the last sealed segment.
func (s *SpillFile) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *SpillFile) writeAt(p []byte, off int64) error {
	if _, err := s.file.WriteAt(p, off); err != nil {
		return fmt.Errorf("writing spill file %s at %d: %w", s.path, off, err)
	}
	return nil
}

func (s *SpillFile) advance(end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end > s.size {
		s.size = end
	}
}

// View returns a reader over [off, off+size). The bytes stay valid until
// the next remap, which only happens on a later View of a grown file, or
// until Close.
func (s *SpillFile) View(off int64, size uint64) (io.ReaderAt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := off + int64(size)
	if off < 0 || end > s.size {
		return nil, apperrors.Corruptf("spill range [%d,%d) outside file of %d bytes", off, end, s.size)
	}
	if size == 0 {
		return bytes.NewReader(nil), nil
	}
	if int64(len(s.mapped)) < end {
		if err := s.remap(); err != nil {
			return nil, err
		}
	}
	return bytes.NewReader(s.mapped[off:end]), nil
}

func (s *SpillFile) remap() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing spill file before mapping: %w", err)
	}
	if s.mapped != nil {
		// Readers may still hold the old view, so it is left mapped
		// until Close.
		s.retired = append(s.retired, s.mapped)
	}
	m, err := mmap.MapRegion(s.file, int(s.size), mmap.RDONLY, 0, 0)
	if err != nil {
		return fmt.Errorf("mapping spill file %s: %w", s.path, err)
	}
	s.mapped = m
	return nil
}

// Close unmaps and closes the file. Remove deletes it as well.
func (s *SpillFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	for _, m := range append(s.retired, s.mapped) {
		if m == nil {
			continue
		}
		if err := m.Unmap(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmapping spill file: %w", err))
		}
	}
	s.mapped, s.retired = nil, nil
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing spill file: %w", err))
		}
		s.file = nil
	}
	return result.ErrorOrNil()
}

func (s *SpillFile) Remove() error {
	var result *multierror.Error
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, fmt.Errorf("removing spill file: %w", err))
	}
	return result.ErrorOrNil()
}
