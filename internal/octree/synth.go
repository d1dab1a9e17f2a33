package octree

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/23skdu/longbow-octdiff/internal/device"
)

// Sphere describes one synthetic shape of a SphereBatch.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// SphereBatch voxelizes spheres inside [-1, 1]^3 at the given depth and
// keeps the leaves whose cell straddles the surface, the way an adaptive SDF
// octree refines around the zero level set. Leaves are ordered by Morton key
// within each shape and shapes are concatenated in order.
//
// Features are the SDF at the cell center clipped to +-clip and divided by
// clip, so they lie in [-1, 1]. With channels == 4 the unit surface normal is
// appended.
func SphereBatch(ctx *device.Context, depth int, spheres []Sphere, clip float64, channels int) (*device.Tensor, *Batch, error) {
	if depth < 1 || depth > 10 {
		return nil, nil, fmt.Errorf("invalid depth: %d (must be in [1, 10])", depth)
	}
	if len(spheres) == 0 {
		return nil, nil, fmt.Errorf("no spheres given")
	}
	if clip <= 0 {
		return nil, nil, fmt.Errorf("invalid clip value: %g", clip)
	}
	if channels != 1 && channels != 4 {
		return nil, nil, fmt.Errorf("invalid channels: %d (want 1 or 4)", channels)
	}

	n := 1 << depth
	h := 2.0 / float64(n)
	band := h * math.Sqrt(3) / 2

	type leaf struct {
		key  uint64
		sdf  float64
		grad r3.Vector
	}

	ids := map[int][]int{}
	var rows [][]float32
	for b, s := range spheres {
		var leaves []leaf
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				for z := 0; z < n; z++ {
					p := r3.Vector{
						X: -1 + (float64(x)+0.5)*h,
						Y: -1 + (float64(y)+0.5)*h,
						Z: -1 + (float64(z)+0.5)*h,
					}
					d := p.Sub(s.Center)
					sdf := d.Norm() - s.Radius
					if math.Abs(sdf) > band {
						continue
					}
					grad := r3.Vector{}
					if d.Norm() > 0 {
						grad = d.Normalize()
					}
					leaves = append(leaves, leaf{key: mortonKey(x, y, z), sdf: sdf, grad: grad})
				}
			}
		}
		if len(leaves) == 0 {
			return nil, nil, fmt.Errorf("%w: sphere %d (radius %g) produced no leaves at depth %d", ErrEmptyElement, b, s.Radius, depth)
		}
		sort.Slice(leaves, func(i, j int) bool { return leaves[i].key < leaves[j].key })

		// Coarser levels hold every ancestor of an active leaf.
		for level := 0; level <= depth; level++ {
			shift := uint(3 * (depth - level))
			var last uint64
			for i, l := range leaves {
				k := l.key >> shift
				if i == 0 || k != last {
					ids[level] = append(ids[level], b)
					last = k
				}
			}
		}

		for _, l := range leaves {
			row := make([]float32, channels)
			row[0] = float32(math.Max(-clip, math.Min(clip, l.sdf)) / clip)
			if channels == 4 {
				row[1], row[2], row[3] = float32(l.grad.X), float32(l.grad.Y), float32(l.grad.Z)
			}
			rows = append(rows, row)
		}
	}

	batch, err := NewBatch(len(spheres), depth, ids)
	if err != nil {
		return nil, nil, err
	}
	field := ctx.NewTensor("sdf", len(rows), channels)
	for i, r := range rows {
		copy(field.Row(i), r)
	}
	return field, batch, nil
}

// mortonKey interleaves the low 10 bits of x, y and z.
func mortonKey(x, y, z int) uint64 {
	var key uint64
	for i := uint(0); i < 10; i++ {
		key |= uint64((x>>i)&1) << (3*i + 2)
		key |= uint64((y>>i)&1) << (3*i + 1)
		key |= uint64((z>>i)&1) << (3 * i)
	}
	return key
}
