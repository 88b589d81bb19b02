package core

// ChunkIndices splits the indices 0..n-1 into chunks contiguous groups whose
// sizes differ by at most one. Earlier groups receive the extra elements.
// A non-positive chunks value yields a single group.
func ChunkIndices(n, chunks int) [][]int {
	if n < 0 {
		n = 0
	}
	if chunks <= 0 {
		chunks = 1
	}
	out := make([][]int, chunks)
	size, extra := n/chunks, n%chunks
	next := 0
	for c := range out {
		k := size
		if c < extra {
			k++
		}
		out[c] = make([]int, k)
		for i := range out[c] {
			out[c][i] = next
			next++
		}
	}
	return out
}
