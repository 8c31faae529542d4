package merge

import (
	"bytes"
	"context"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

// TermRef is one source's dictionary entry for a merged term.
type TermRef struct {
	Source int
	Entry  segment.DictEntry
}

// MergedTerm is a term of the output dictionary with every source that
// holds it, in source order.
type MergedTerm struct {
	Term []byte
	Refs []TermRef
}

// mergeDictionaries produces the sorted, deduplicated union of the sources'
// dictionaries. Source counts are small, so the smallest current term is
// found by a linear scan.
func mergeDictionaries(ctx context.Context, sources []*source) ([]MergedTerm, error) {
	for _, s := range sources {
		if err := s.advance(); err != nil {
			return nil, err
		}
	}
	var out []MergedTerm
	for {
		minIdx := -1
		for i, s := range sources {
			if s.done {
				continue
			}
			if minIdx < 0 || bytes.Compare(s.terms.Term(), sources[minIdx].terms.Term()) < 0 {
				minIdx = i
			}
		}
		if minIdx < 0 {
			return out, nil
		}
		if len(out)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		term := bytes.Clone(sources[minIdx].terms.Term())
		mt := MergedTerm{Term: term}
		for i, s := range sources {
			if s.done || !bytes.Equal(s.terms.Term(), term) {
				continue
			}
			mt.Refs = append(mt.Refs, TermRef{Source: i, Entry: s.terms.Entry()})
			if err := s.advance(); err != nil {
				return nil, err
			}
		}
		out = append(out, mt)
	}
}
