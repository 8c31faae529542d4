package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
)

func TestMemorySourceScanRanges(t *testing.T) {
	src := NewMemorySource(4)
	for i := 0; i < 10; i++ {
		if _, err := src.Add([]string{fmt.Sprintf("d%d", i)}, []int{1}, 1); err != nil {
			t.Fatal(err)
		}
	}
	blocks, err := src.NumBlocks(context.Background())
	if err != nil || blocks != 3 {
		t.Fatalf("expected 3 blocks, got %d, %v", blocks, err)
	}

	tests := []struct {
		start, end uint32
		want       []segment.Locator
	}{
		{0, 1, []segment.Locator{loc(0, 1), loc(0, 2), loc(0, 3), loc(0, 4)}},
		{2, 3, []segment.Locator{loc(2, 1), loc(2, 2)}},
		{1, 1, nil},
		{3, 9, nil},
	}
	for _, tc := range tests {
		var got []segment.Locator
		err := src.Scan(context.Background(), tc.start, tc.end, func(r Row) error {
			got = append(got, r.Locator)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("scan [%d, %d) = %v, want %v", tc.start, tc.end, got, tc.want)
		}
	}
}

func loc(block uint32, offset uint16) segment.Locator {
	return segment.Locator{Block: block, Offset: offset}
}

func TestMemorySourceStopsOnCallbackError(t *testing.T) {
	src := NewMemorySource(2)
	for i := 0; i < 5; i++ {
		src.AddText("alpha beta")
	}
	stop := errors.New("stop")
	seen := 0
	err := src.Scan(context.Background(), 0, 10, func(Row) error {
		seen++
		if seen == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || seen != 3 {
		t.Fatalf("expected the scan to stop after 3 rows, got %d rows and %v", seen, err)
	}
}

func TestMemorySourceRejectsMismatchedRow(t *testing.T) {
	if _, err := NewMemorySource(1).Add([]string{"a"}, nil, 1); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	opts := SyntheticOptions{Docs: 200, Vocabulary: 50, Seed: 7}
	a, b := Synthetic(opts), Synthetic(opts)
	if !reflect.DeepEqual(a.rows, b.rows) {
		t.Fatal("same options produced different corpora")
	}
	df := a.DocFreqs()
	if df["t0000"] == 0 || df["t0000"] < df["t0049"] {
		t.Fatalf("expected a skewed distribution, got t0000=%d t0049=%d", df["t0000"], df["t0049"])
	}
	for _, r := range a.rows {
		total := 0
		for _, f := range r.Freqs {
			total += f
		}
		if total != r.DocLength {
			t.Fatalf("row %+v frequencies do not sum to its length", r.Locator)
		}
	}
}

func TestParseCtid(t *testing.T) {
	tests := []struct {
		in      string
		want    segment.Locator
		wantErr bool
	}{
		{"(0,1)", segment.Locator{Block: 0, Offset: 1}, false},
		{"(4294967295,65535)", segment.Locator{Block: 4294967295, Offset: 65535}, false},
		{"(1,2", segment.Locator{}, true},
		{"1,2", segment.Locator{}, true},
		{"(a,2)", segment.Locator{}, true},
		{"(1,70000)", segment.Locator{}, true},
	}
	for _, tc := range tests {
		got, err := ParseCtid(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCtid(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCtid(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPostgresSourceScan(t *testing.T) {
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "searchplatform_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "searchplatform"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	table := fmt.Sprintf("bm25_source_test_%d", time.Now().UnixNano())
	if err := db.EnsureDocumentTable(ctx, table); err != nil {
		t.Fatal(err)
	}
	defer db.DB.ExecContext(ctx, "DROP TABLE "+table)
	docs := make([]postgres.Document, 50)
	for i := range docs {
		docs[i] = postgres.Document{Title: fmt.Sprintf("doc %d", i), Body: "shared words plus unique" + strconv.Itoa(i)}
	}
	if err := db.InsertDocuments(ctx, table, docs); err != nil {
		t.Fatal(err)
	}
	inserted := make(map[segment.Locator]bool, len(docs))
	for _, d := range docs {
		l, err := ParseCtid(d.Ctid)
		if err != nil {
			t.Fatal(err)
		}
		inserted[l] = true
	}

	src := NewPostgresSource(db.DB, table)
	blocks, err := src.NumBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var prev segment.Locator
	rows := 0
	err = src.Scan(ctx, 0, blocks, func(r Row) error {
		if rows > 0 && !prev.Less(r.Locator) {
			t.Fatalf("locators out of order: %+v then %+v", prev, r.Locator)
		}
		if !inserted[r.Locator] {
			t.Fatalf("scanned %+v, which no insert returned", r.Locator)
		}
		prev = r.Locator
		rows++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if rows != 50 {
		t.Fatalf("expected 50 rows, got %d", rows)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
