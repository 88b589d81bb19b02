package dataset

import (
	"fmt"
	"math/rand"

	"github.com/3cpo-dev/istl/internal/core"
)

type cuboidRef struct {
	video, start, stride int
}

// CuboidSet is a dataset of cuboids: stacks of length frames taken every
// stride frames from one video. Inputs are the concatenated frames and
// targets equal inputs.
type CuboidSet struct {
	videos []Video
	length int
	base   []cuboidRef
	order  []int
}

// NewCuboidSet cuts every video into consecutive, non-overlapping cuboids
// of length frames. Trailing frames that do not fill a cuboid are dropped.
func NewCuboidSet(videos []Video, length int) (*CuboidSet, error) {
	if length <= 0 {
		return nil, fmt.Errorf("cuboid length must be positive, got %d", length)
	}
	s := &CuboidSet{videos: videos, length: length}
	s.addStride(1)
	if len(s.base) == 0 {
		return nil, fmt.Errorf("no video holds %d frames", length)
	}
	s.resetOrder()
	return s, nil
}

// ConsecutiveCuboids returns the cuboids of every video in video order,
// the layout test labels refer to.
func ConsecutiveCuboids(videos []Video, length int) (*CuboidSet, error) {
	return NewCuboidSet(videos, length)
}

func (s *CuboidSet) addStride(stride int) {
	span := (s.length-1)*stride + 1
	for v, video := range s.videos {
		for start := 0; start+span <= len(video); start += s.length * stride {
			s.base = append(s.base, cuboidRef{video: v, start: start, stride: stride})
		}
	}
}

func (s *CuboidSet) resetOrder() {
	s.order = make([]int, len(s.base))
	for i := range s.order {
		s.order[i] = i
	}
}

// Augment adds the cuboids obtained by skipping frames with strides
// 2..maxStride. The order is reset to the canonical one.
func (s *CuboidSet) Augment(maxStride int) {
	have := map[int]bool{}
	for _, r := range s.base {
		have[r.stride] = true
	}
	for stride := 2; stride <= maxStride; stride++ {
		if !have[stride] {
			s.addStride(stride)
		}
	}
	s.resetOrder()
}

// Shuffle permutes the cuboids with a seeded generator when enabled, or
// restores the canonical order otherwise.
func (s *CuboidSet) Shuffle(enabled bool, seed int64) {
	s.resetOrder()
	if !enabled {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
}

func (s *CuboidSet) Len() int { return len(s.order) }

// Input returns the frames of cuboid i concatenated in time order.
func (s *CuboidSet) Input(i int) []float64 {
	r := s.base[s.order[i]]
	video := s.videos[r.video]
	out := make([]float64, 0, s.InputDim())
	for k := 0; k < s.length; k++ {
		out = append(out, video[r.start+k*r.stride]...)
	}
	return out
}

func (s *CuboidSet) Target(i int) []float64 { return s.Input(i) }

// InputDim is the flattened size of one cuboid.
func (s *CuboidSet) InputDim() int {
	return s.length * len(s.videos[s.base[0].video][0])
}

// Length is the number of frames per cuboid.
func (s *CuboidSet) Length() int { return s.length }

// Partition splits the current order into n contiguous client subsets.
func (s *CuboidSet) Partition(n int) []*Subset {
	chunks := core.ChunkIndices(s.Len(), n)
	out := make([]*Subset, len(chunks))
	for c, idx := range chunks {
		out[c] = s.Subset(idx)
	}
	return out
}

// Subset returns a view over the given positions of the current order.
func (s *CuboidSet) Subset(indices []int) *Subset {
	return &Subset{parent: s, indices: append([]int(nil), indices...)}
}

// Subset is a view over some cuboids of a CuboidSet.
type Subset struct {
	parent  *CuboidSet
	indices []int
}

func (s *Subset) Len() int               { return len(s.indices) }
func (s *Subset) Input(i int) []float64  { return s.parent.Input(s.indices[i]) }
func (s *Subset) Target(i int) []float64 { return s.parent.Input(s.indices[i]) }
