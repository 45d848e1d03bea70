package engine

import (
	"sync"

	"github.com/kestrel-dl/kestrel/internal/fetch"
	"github.com/kestrel-dl/kestrel/internal/session"
)

// planner carves chunks on demand from the uncovered spans of the output.
// Carving at dispatch time (instead of splitting everything upfront) lets
// the chunk size adapt mid-download while guaranteeing no range is ever
// handed out twice and the union of all carved chunks exactly covers the
// gaps it was built from.
type planner struct {
	mu     sync.Mutex
	gaps   []session.Range
	nextID int
}

// newPlanner builds a planner over the uncovered spans. For a fresh
// session that is the single gap [0, total).
func newPlanner(gaps []session.Range) *planner {
	owned := make([]session.Range, 0, len(gaps))
	for _, g := range gaps {
		if g.End > g.Start {
			owned = append(owned, g)
		}
	}
	return &planner{gaps: owned}
}

// next carves up to size bytes off the front of the remaining work.
// Returns false when nothing is left.
func (p *planner) next(size int64) (fetch.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.gaps) == 0 {
		return fetch.Chunk{}, false
	}
	gap := &p.gaps[0]
	chunk := fetch.Chunk{ID: p.nextID, Start: gap.Start, End: gap.Start + size}
	if chunk.End >= gap.End {
		chunk.End = gap.End
		p.gaps = p.gaps[1:]
	} else {
		gap.Start = chunk.End
	}
	p.nextID++
	return chunk, true
}

// remaining reports the number of bytes not yet carved.
func (p *planner) remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, g := range p.gaps {
		total += g.Len()
	}
	return total
}
