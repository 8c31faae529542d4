package merge

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

// postingCursor walks one source's postings for a term, already remapped
// into the merged doc id space.
type postingCursor struct {
	src   int
	it    *segment.PostingIterator
	block []segment.Posting
	pos   int
	docs  *DocMap
}

func newPostingCursor(src int, r *segment.Reader, e segment.DictEntry, docs *DocMap) *postingCursor {
	return &postingCursor{src: src, it: r.Postings(e), pos: -1, docs: docs}
}

// next loads the following posting. It returns false once the source's
// list is exhausted.
func (c *postingCursor) next() (bool, error) {
	c.pos++
	if c.pos < len(c.block) {
		return true, nil
	}
	block, err := c.it.NextBlock()
	if err != nil {
		return false, err
	}
	c.block, c.pos = block, 0
	return block != nil, nil
}

func (c *postingCursor) current() segment.Posting {
	p := c.block[c.pos]
	p.DocID = c.docs.Map(c.src, p.DocID)
	return p
}

// writeTermPostings streams the merged postings of mt into w.
//
// In disjoint mode each source is drained in turn. In general mode the
// cursor with the smallest merged doc id goes next; since the doc map
// assigns ids in locator order this is the smallest locator, and sources
// are scanned in order so equal locators resolve to the earlier source.
func writeTermPostings(w *segment.Writer, sources []*source, mt MergedTerm, docs *DocMap, mode Mode) (int, error) {
	written := 0
	if mode == ModeDisjoint {
		for _, ref := range mt.Refs {
			c := newPostingCursor(ref.Source, sources[ref.Source].reader, ref.Entry, docs)
			for {
				ok, err := c.next()
				if err != nil {
					return written, fmt.Errorf("term %q in %s: %w", mt.Term, sources[ref.Source].ref, err)
				}
				if !ok {
					break
				}
				if err := w.AddPosting(c.current()); err != nil {
					return written, err
				}
				written++
			}
		}
		return written, nil
	}

	cursors := make([]*postingCursor, 0, len(mt.Refs))
	for _, ref := range mt.Refs {
		c := newPostingCursor(ref.Source, sources[ref.Source].reader, ref.Entry, docs)
		ok, err := c.next()
		if err != nil {
			return written, fmt.Errorf("term %q in %s: %w", mt.Term, sources[ref.Source].ref, err)
		}
		if ok {
			cursors = append(cursors, c)
		}
	}
	for len(cursors) > 0 {
		best := 0
		bestDoc := cursors[0].current().DocID
		for i := 1; i < len(cursors); i++ {
			if d := cursors[i].current().DocID; d < bestDoc {
				best, bestDoc = i, d
			}
		}
		c := cursors[best]
		if err := w.AddPosting(c.current()); err != nil {
			return written, err
		}
		written++
		ok, err := c.next()
		if err != nil {
			return written, fmt.Errorf("term %q in %s: %w", mt.Term, sources[c.src].ref, err)
		}
		if !ok {
			cursors = append(cursors[:best], cursors[best+1:]...)
		}
	}
	return written, nil
}
