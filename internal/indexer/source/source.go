// Package source provides the row scanners index builds read documents
// from. A source is addressed by block: every row has a locator (block,
// offset) and scans cover a half-open block range, which is how parallel
// builds hand each worker a disjoint slice of the input.
package source

import (
	"context"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// Row is one document ready for a build context.
type Row struct {
	Terms     []string
	Freqs     []int
	DocLength int
	Locator   segment.Locator
}

// RowSource is scanned by serial and parallel builds. Scan calls fn for
// every row whose locator block lies in [start, end), in locator order.
type RowSource interface {
	NumBlocks(ctx context.Context) (uint32, error)
	EstimateRows(ctx context.Context) (int64, error)
	Scan(ctx context.Context, start, end uint32, fn func(Row) error) error
}

// MemorySource holds rows in memory, packed rowsPerBlock to a block. It is
// safe for concurrent scans once populated.
type MemorySource struct {
	rowsPerBlock int
	rows         []Row
}

func NewMemorySource(rowsPerBlock int) *MemorySource {
	if rowsPerBlock <= 0 {
		rowsPerBlock = 100
	}
	return &MemorySource{rowsPerBlock: rowsPerBlock}
}

// Add appends a row and returns its locator.
func (m *MemorySource) Add(terms []string, freqs []int, length int) (segment.Locator, error) {
	if len(terms) != len(freqs) {
		return segment.Locator{}, fmt.Errorf("%w: %d terms with %d frequencies", apperrors.ErrInvalidInput, len(terms), len(freqs))
	}
	i := len(m.rows)
	loc := segment.Locator{Block: uint32(i / m.rowsPerBlock), Offset: uint16(i%m.rowsPerBlock + 1)}
	m.rows = append(m.rows, Row{Terms: terms, Freqs: freqs, DocLength: length, Locator: loc})
	return loc, nil
}

// AddText tokenizes text and appends it.
func (m *MemorySource) AddText(text string) (segment.Locator, error) {
	terms, freqs, length := tokenizer.Analyze(text)
	return m.Add(terms, freqs, length)
}

func (m *MemorySource) Len() int { return len(m.rows) }

func (m *MemorySource) NumBlocks(context.Context) (uint32, error) {
	return uint32((len(m.rows) + m.rowsPerBlock - 1) / m.rowsPerBlock), nil
}

func (m *MemorySource) EstimateRows(context.Context) (int64, error) {
	return int64(len(m.rows)), nil
}

func (m *MemorySource) Scan(ctx context.Context, start, end uint32, fn func(Row) error) error {
	i := sort.Search(len(m.rows), func(i int) bool { return m.rows[i].Locator.Block >= start })
	for ; i < len(m.rows) && m.rows[i].Locator.Block < end; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(m.rows[i]); err != nil {
			return err
		}
	}
	return nil
}
