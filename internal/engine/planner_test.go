package engine

import (
	"sort"
	"testing"

	"github.com/kestrel-dl/kestrel/internal/fetch"
	"github.com/kestrel-dl/kestrel/internal/session"
)

// carveAll drains the planner with the given sequence of chunk sizes,
// cycling through them, and returns every carved chunk.
func carveAll(p *planner, sizes []int64) []fetch.Chunk {
	var chunks []fetch.Chunk
	i := 0
	for {
		chunk, ok := p.next(sizes[i%len(sizes)])
		if !ok {
			return chunks
		}
		i++
		chunks = append(chunks, chunk)
	}
}

func assertExactCover(t *testing.T, chunks []fetch.Chunk, gaps []session.Range) {
	t.Helper()
	sorted := make([]fetch.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	gi := 0
	cursor := gaps[0].Start
	for _, c := range sorted {
		if c.Start >= c.End {
			t.Fatalf("empty or inverted chunk %+v", c)
		}
		if c.Start != cursor {
			t.Fatalf("coverage break: expected chunk at %d, got %+v", cursor, c)
		}
		cursor = c.End
		if cursor == gaps[gi].End {
			gi++
			if gi < len(gaps) {
				cursor = gaps[gi].Start
			}
		} else if cursor > gaps[gi].End {
			t.Fatalf("chunk %+v crosses gap boundary %d", c, gaps[gi].End)
		}
	}
	if gi != len(gaps) {
		t.Fatalf("gaps not fully covered, stopped at %d/%d", gi, len(gaps))
	}
}

func TestPlannerExactCoverFresh(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		size  int64
	}{
		{"even split", 10 * 1024 * 1024, 1024 * 1024},
		{"uneven tail", 10*1024*1024 + 3, 1024 * 1024},
		{"single chunk", 1000, 4096},
		{"one byte", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gaps := []session.Range{{Start: 0, End: tt.total}}
			chunks := carveAll(newPlanner(gaps), []int64{tt.size})
			assertExactCover(t, chunks, gaps)
		})
	}
}

func TestPlannerAdaptiveSizesStillCover(t *testing.T) {
	// Sizes changing between carves (the adaptive case) must not break
	// the no-overlap/no-gap property.
	gaps := []session.Range{{Start: 0, End: 5_000_000}}
	chunks := carveAll(newPlanner(gaps), []int64{1 << 20, 1 << 18, 1 << 22, 12345})
	assertExactCover(t, chunks, gaps)
}

func TestPlannerResumeGaps(t *testing.T) {
	// Resume case: only the uncovered spans are carved.
	gaps := []session.Range{{Start: 100, End: 400}, {Start: 900, End: 1000}}
	chunks := carveAll(newPlanner(gaps), []int64{128})
	assertExactCover(t, chunks, gaps)
	for _, c := range chunks {
		if c.Start < 100 || (c.Start >= 400 && c.Start < 900) {
			t.Errorf("chunk %+v carved outside the gaps", c)
		}
	}
}

func TestPlannerUniqueIDs(t *testing.T) {
	chunks := carveAll(newPlanner([]session.Range{{Start: 0, End: 10000}}), []int64{1000})
	seen := make(map[int]bool)
	for _, c := range chunks {
		if seen[c.ID] {
			t.Fatalf("chunk ID %d assigned twice", c.ID)
		}
		seen[c.ID] = true
	}
}

func TestPlannerRemaining(t *testing.T) {
	p := newPlanner([]session.Range{{Start: 0, End: 1000}})
	if p.remaining() != 1000 {
		t.Fatalf("remaining = %d, want 1000", p.remaining())
	}
	p.next(400)
	if p.remaining() != 600 {
		t.Fatalf("remaining = %d, want 600", p.remaining())
	}
}
