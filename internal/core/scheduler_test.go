package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestChunkIndices tests the ChunkIndices function
func TestChunkIndices(t *testing.T) {
	chunks := ChunkIndices(5, 2)
	if diff := cmp.Diff([][]int{{0, 1, 2}, {3, 4}}, chunks); diff != "" {
		t.Fatalf("unexpected chunks (-want +got):\n%s", diff)
	}

	chunks = ChunkIndices(2, 4)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if len(chunks[2]) != 0 || len(chunks[3]) != 0 {
		t.Fatalf("trailing chunks should be empty, got %v", chunks)
	}

	if got := ChunkIndices(3, 0); len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("non-positive chunk count should give a single chunk, got %v", got)
	}
}

func TestChunkIndicesCoversEveryIndexOnce(t *testing.T) {
	for n := 0; n < 40; n++ {
		for k := 1; k < 9; k++ {
			seen := make([]int, n)
			for _, c := range ChunkIndices(n, k) {
				for _, i := range c {
					seen[i]++
				}
			}
			for i, s := range seen {
				if s != 1 {
					t.Fatalf("n=%d k=%d: index %d seen %d times", n, k, i, s)
				}
			}
		}
	}
}
