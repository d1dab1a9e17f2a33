// Package octree defines the octree handle consumed by the diffusion core
// and a packed batch implementation of it.
package octree

import (
	"errors"
	"fmt"
)

var ErrEmptyElement = errors.New("batch element has no rows")

// Octree is the slice of an octree batch the diffusion core depends on.
type Octree interface {
	// BatchSize is the number of shapes packed into the batch.
	BatchSize() int
	// Depth is the finest level.
	Depth() int
	// BatchID gives, for every active node at level, the batch element it
	// belongs to. With expand set the full (non-empty) node set is
	// returned rather than only the leaves.
	BatchID(level int, expand bool) []int
}

// Batch is an Octree backed by precomputed per-level batch ids.
type Batch struct {
	batchSize int
	depth     int
	ids       map[int][]int
}

// NewBatch validates ids (level -> per-row batch id) and wraps them. The
// finest level must be present.
func NewBatch(batchSize, depth int, ids map[int][]int) (*Batch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size: %d (must be >= 1)", batchSize)
	}
	if depth < 0 {
		return nil, fmt.Errorf("invalid depth: %d", depth)
	}
	if _, ok := ids[depth]; !ok {
		return nil, fmt.Errorf("missing batch ids for finest level %d", depth)
	}

	own := make(map[int][]int, len(ids))
	for level, row := range ids {
		if level < 0 || level > depth {
			return nil, fmt.Errorf("level %d outside [0, %d]", level, depth)
		}
		for i, b := range row {
			if b < 0 || b >= batchSize {
				return nil, fmt.Errorf("level %d row %d: batch id %d outside [0, %d)", level, i, b, batchSize)
			}
		}
		own[level] = append([]int(nil), row...)
	}
	return &Batch{batchSize: batchSize, depth: depth, ids: own}, nil
}

// FromCounts builds a batch whose finest level holds counts[i] contiguous
// rows for element i.
func FromCounts(depth int, counts []int) (*Batch, error) {
	ids := make([]int, 0)
	for b, n := range counts {
		if n < 0 {
			return nil, fmt.Errorf("negative row count %d for element %d", n, b)
		}
		for j := 0; j < n; j++ {
			ids = append(ids, b)
		}
	}
	return NewBatch(len(counts), depth, map[int][]int{depth: ids})
}

func (b *Batch) BatchSize() int {
	return b.batchSize
}

func (b *Batch) Depth() int {
	return b.depth
}

// BatchID returns the ids stored for level; expand is accepted for interface
// compatibility since a packed batch only keeps the rows it was given.
func (b *Batch) BatchID(level int, expand bool) []int {
	return b.ids[level]
}

// Rows is the number of feature rows at the finest level.
func (b *Batch) Rows() int {
	return len(b.ids[b.depth])
}

// Partition returns, per batch element, the finest-level row indices that
// belong to it, in row order. Elements without rows get an empty slice.
func Partition(oct Octree) ([][]int, error) {
	ids := oct.BatchID(oct.Depth(), true)
	parts := make([][]int, oct.BatchSize())
	for row, b := range ids {
		if b < 0 || b >= len(parts) {
			return nil, fmt.Errorf("row %d: batch id %d outside [0, %d)", row, b, len(parts))
		}
		parts[b] = append(parts[b], row)
	}
	return parts, nil
}

// BroadcastPerRow expands noise levels onto finest-level rows. A single
// level applies to every row; otherwise levels is indexed by batch id.
func BroadcastPerRow(oct Octree, levels []float64) ([]float64, error) {
	ids := oct.BatchID(oct.Depth(), true)
	out := make([]float64, len(ids))
	switch {
	case len(levels) == 1:
		for i := range out {
			out[i] = levels[0]
		}
	case len(levels) == oct.BatchSize():
		for i, b := range ids {
			out[i] = levels[b]
		}
	default:
		return nil, fmt.Errorf("got %d noise levels for batch size %d", len(levels), oct.BatchSize())
	}
	return out, nil
}
