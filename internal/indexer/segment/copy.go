package segment

import (
	"fmt"
)

const copyChunkSize = 256 * 1024

// CopySegment streams src byte for byte into dst, then rewrites the copy's
// header for its new home: fresh page index, unlinked.
func CopySegment(src *Reader, dst *Sink) (Location, error) {
	size := src.header.DataSize
	buf := make([]byte, copyChunkSize)
	for off := uint64(0); off < size; {
		n := min(uint64(len(buf)), size-off)
		if err := src.readAt(buf[:n], off); err != nil {
			return Location{}, fmt.Errorf("reading source at %d: %w", off, err)
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return Location{}, fmt.Errorf("copying at %d: %w", off, err)
		}
		off += n
	}
	loc, err := dst.Seal()
	if err != nil {
		return Location{}, fmt.Errorf("sealing copy: %w", err)
	}
	h := src.header
	h.NumPages = loc.NumPages
	h.PageIndex = loc.PageIndex
	h.NextSegment = InvalidBlock
	if err := dst.WriteAt(h.encode(), 0); err != nil {
		return Location{}, fmt.Errorf("rewriting copied header: %w", err)
	}
	return loc, nil
}
