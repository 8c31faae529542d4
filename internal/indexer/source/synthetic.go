package source

import (
	"fmt"
	"math/rand"
)

// SyntheticOptions describe a generated corpus.
type SyntheticOptions struct {
	Docs         int
	Vocabulary   int
	MinLength    int
	MaxLength    int
	Skew         float64
	Seed         int64
	RowsPerBlock int
}

// Synthetic generates a corpus whose term frequencies follow a Zipf
// distribution over a fixed vocabulary. Terms are named t0000, t0001, ...
// with t0000 the most frequent. The same options always yield the same
// corpus.
func Synthetic(opts SyntheticOptions) *MemorySource {
	if opts.Vocabulary <= 1 {
		opts.Vocabulary = 500
	}
	if opts.MinLength <= 0 {
		opts.MinLength = 5
	}
	if opts.MaxLength < opts.MinLength {
		opts.MaxLength = opts.MinLength + 20
	}
	if opts.Skew <= 1 {
		opts.Skew = 1.1
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	zipf := rand.NewZipf(rng, opts.Skew, 1, uint64(opts.Vocabulary-1))
	src := NewMemorySource(opts.RowsPerBlock)
	for d := 0; d < opts.Docs; d++ {
		length := opts.MinLength + rng.Intn(opts.MaxLength-opts.MinLength+1)
		counts := make(map[uint64]int)
		var order []uint64
		for i := 0; i < length; i++ {
			k := zipf.Uint64()
			if counts[k] == 0 {
				order = append(order, k)
			}
			counts[k]++
		}
		terms := make([]string, len(order))
		freqs := make([]int, len(order))
		for i, k := range order {
			terms[i] = fmt.Sprintf("t%04d", k)
			freqs[i] = counts[k]
		}
		_, _ = src.Add(terms, freqs, length)
	}
	return src
}

// DocFreqs counts, for every term, the rows containing it.
func (m *MemorySource) DocFreqs() map[string]uint32 {
	out := make(map[string]uint32)
	for _, r := range m.rows {
		for i, term := range r.Terms {
			if r.Freqs[i] > 0 {
				out[term]++
			}
		}
	}
	return out
}
