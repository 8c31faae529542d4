package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

// PostgresSource scans a documents table by physical row location. Row
// locators are the rows' ctids, so block ranges map directly onto TID range
// scans.
type PostgresSource struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// NewPostgresSource reads title and body from table.
func NewPostgresSource(db *sql.DB, table string) *PostgresSource {
	return &PostgresSource{
		db:     db,
		table:  table,
		logger: slog.Default().With("component", "postgres-source", "table", table),
	}
}

func (p *PostgresSource) NumBlocks(ctx context.Context) (uint32, error) {
	var blocks int64
	err := p.db.QueryRowContext(ctx,
		`SELECT pg_relation_size($1::regclass) / current_setting('block_size')::bigint`,
		p.table,
	).Scan(&blocks)
	if err != nil {
		return 0, fmt.Errorf("sizing table %s: %w", p.table, err)
	}
	return uint32(blocks), nil
}

// EstimateRows returns the planner's row estimate, or 0 for a table that
// has never been analyzed.
func (p *PostgresSource) EstimateRows(ctx context.Context) (int64, error) {
	var rows float64
	err := p.db.QueryRowContext(ctx,
		`SELECT reltuples FROM pg_class WHERE oid = $1::regclass`,
		p.table,
	).Scan(&rows)
	if err != nil {
		return 0, fmt.Errorf("estimating rows of %s: %w", p.table, err)
	}
	return int64(max(rows, 0)), nil
}

func (p *PostgresSource) Scan(ctx context.Context, start, end uint32, fn func(Row) error) error {
	if start >= end {
		return nil
	}
	query := fmt.Sprintf(
		`SELECT ctid::text, coalesce(title, '') || ' ' || coalesce(body, '')
		 FROM %s
		 WHERE ctid >= $1::tid AND ctid < $2::tid
		 ORDER BY ctid`,
		pq.QuoteIdentifier(p.table),
	)
	rows, err := p.db.QueryContext(ctx, query, fmt.Sprintf("(%d,0)", start), fmt.Sprintf("(%d,0)", end))
	if err != nil {
		return fmt.Errorf("scanning %s blocks [%d, %d): %w", p.table, start, end, err)
	}
	defer rows.Close()

	scanned := 0
	for rows.Next() {
		var ctid, text string
		if err := rows.Scan(&ctid, &text); err != nil {
			return fmt.Errorf("reading row: %w", err)
		}
		loc, err := ParseCtid(ctid)
		if err != nil {
			return err
		}
		terms, freqs, length := tokenizer.Analyze(text)
		if len(terms) == 0 {
			continue
		}
		if err := fn(Row{Terms: terms, Freqs: freqs, DocLength: length, Locator: loc}); err != nil {
			return err
		}
		scanned++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", p.table, err)
	}
	p.logger.Debug("scanned block range", "start", start, "end", end, "rows", scanned)
	return nil
}

// ParseCtid parses the text form "(block,offset)" of a row location.
func ParseCtid(s string) (segment.Locator, error) {
	inner, ok := strings.CutPrefix(s, "(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	blockStr, offStr, found := strings.Cut(inner, ",")
	if !ok || !found {
		return segment.Locator{}, fmt.Errorf("%w: malformed ctid %q", apperrors.ErrInvalidInput, s)
	}
	block, err := strconv.ParseUint(blockStr, 10, 32)
	if err != nil {
		return segment.Locator{}, fmt.Errorf("%w: ctid block %q", apperrors.ErrInvalidInput, blockStr)
	}
	off, err := strconv.ParseUint(offStr, 10, 16)
	if err != nil {
		return segment.Locator{}, fmt.Errorf("%w: ctid offset %q", apperrors.ErrInvalidInput, offStr)
	}
	return segment.Locator{Block: uint32(block), Offset: uint16(off)}, nil
}
