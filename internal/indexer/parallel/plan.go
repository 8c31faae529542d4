package parallel

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

// Spilled is a segment a worker left in its spill file after phase 1.
type Spilled struct {
	Worker int
	Level  uint32
	Loc    segment.Location
}

// Member is one input of a merge group: either a spilled segment (Segment
// indexes Plan.Segments) or the output of an earlier group (Group indexes
// Plan.Groups). The unused field is -1.
type Member struct {
	Segment int
	Group   int
}

// Group is one cross-worker merge. Its output lands at Level+1.
type Group struct {
	Level   uint32
	Members []Member
	// Leftover marks the group formed from fewer than a full fan-in of
	// segments remaining at its level.
	Leftover bool
	// Intermediate groups feed a later group. Their output is staged in a
	// spill file and never linked.
	Intermediate bool
	// EstimatedSize bounds the output size by the sum of the inputs.
	EstimatedSize uint64
	// Pages is the page range the group claims in the store, zero for
	// intermediate groups.
	Pages uint32
}

// Copy moves a spilled segment into the store unchanged.
type Copy struct {
	Segment int
	Pages   uint32
}

// Plan is the phase 2 work list. It depends only on the fan-in and each
// worker's segment list, so it is deterministic.
type Plan struct {
	Segments []Spilled
	Copies   []Copy
	Groups   []Group
	// TotalPages is the page count pre-extended for phase 2.
	TotalPages uint32
}

// GroupPages is the page range reserved for a merge output estimated at
// size bytes. Remapping can make an output slightly larger than its inputs,
// so a margin of one page in twenty (at least one) is added.
func GroupPages(size uint64) uint32 {
	pages := segment.PagesFor(size)
	return pages + max(pages/20, 1)
}

// BuildPlan forms merge groups bottom-up per level. At each level the
// members are the workers' segments in launch order, each worker's in the
// order produced, followed by outputs of groups from the level below. Full
// groups of fanIn members are formed first, then a leftover group of at
// least two. Every group output becomes a member of the next level, so the
// leftover group cascades like a full one.
func BuildPlan(perWorker [][]Spilled, fanIn int, maxLevels int) (*Plan, error) {
	if fanIn < 2 {
		return nil, fmt.Errorf("fan-in %d is below 2", fanIn)
	}
	if maxLevels <= 0 || maxLevels > segment.MaxLevels {
		maxLevels = segment.MaxLevels
	}
	p := &Plan{}
	byLevel := make([][]Member, maxLevels)
	for _, segs := range perWorker {
		for _, s := range segs {
			if int(s.Level) >= maxLevels {
				return nil, fmt.Errorf("worker %d segment at level %d past the top level %d", s.Worker, s.Level, maxLevels-1)
			}
			byLevel[s.Level] = append(byLevel[s.Level], Member{Segment: len(p.Segments), Group: -1})
			p.Segments = append(p.Segments, s)
		}
	}

	grouped := make([]bool, len(p.Segments))
	for level := 0; level < maxLevels-1; level++ {
		members := byLevel[level]
		for pos := 0; len(members)-pos >= 2; {
			n := fanIn
			leftover := false
			if len(members)-pos < fanIn {
				n = len(members) - pos
				leftover = true
			}
			g := Group{Level: uint32(level), Members: members[pos : pos+n : pos+n], Leftover: leftover}
			for _, m := range g.Members {
				if m.Segment >= 0 {
					grouped[m.Segment] = true
					g.EstimatedSize += p.Segments[m.Segment].Loc.Size
				} else {
					p.Groups[m.Group].Intermediate = true
					g.EstimatedSize += p.Groups[m.Group].EstimatedSize
				}
			}
			byLevel[level+1] = append(byLevel[level+1], Member{Segment: -1, Group: len(p.Groups)})
			p.Groups = append(p.Groups, g)
			pos += n
		}
	}

	for i, s := range p.Segments {
		if grouped[i] {
			continue
		}
		c := Copy{Segment: i, Pages: segment.PagesFor(s.Loc.Size)}
		p.Copies = append(p.Copies, c)
		p.TotalPages += c.Pages
	}
	for i := range p.Groups {
		g := &p.Groups[i]
		if g.Intermediate {
			continue
		}
		g.Pages = GroupPages(g.EstimatedSize)
		p.TotalPages += g.Pages
	}
	return p, nil
}

// FullGroups counts groups of a whole fan-in.
func (p *Plan) FullGroups() int {
	n := 0
	for _, g := range p.Groups {
		if !g.Leftover {
			n++
		}
	}
	return n
}

// Outputs lists the groups whose output is linked.
func (p *Plan) Outputs() []int {
	var out []int
	for i, g := range p.Groups {
		if !g.Intermediate {
			out = append(out, i)
		}
	}
	return out
}

// CopiesOf lists the copies owned by worker w, in production order.
func (p *Plan) CopiesOf(w int) []Copy {
	var out []Copy
	for _, c := range p.Copies {
		if p.Segments[c.Segment].Worker == w {
			out = append(out, c)
		}
	}
	return out
}
