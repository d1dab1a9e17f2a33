package diffusion

import (
	"fmt"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

// Corrupt noises every batch element of xStart at its own diffusion time:
// rows of element i become x*alpha_i + sigma_i*eps. Noise is drawn element
// by element in batch order and written back to the rows it came from, so
// the output keeps xStart's row order. The per-element log-SNR levels are
// returned alongside.
func (m *Model) Corrupt(dev *device.Context, xStart *device.Tensor, oct octree.Octree, times []float64, src noise.Source) (*device.Tensor, []float64, error) {
	if err := checkLayout(xStart, oct); err != nil {
		return nil, nil, err
	}
	if len(times) != oct.BatchSize() {
		return nil, nil, fmt.Errorf("got %d times for batch size %d", len(times), oct.BatchSize())
	}
	parts, err := octree.Partition(oct)
	if err != nil {
		return nil, nil, err
	}

	ch := xStart.Channels()
	out := dev.ZerosLike("x_t", xStart)
	levels := make([]float64, len(parts))
	for b, rows := range parts {
		levels[b] = m.schedule.LogSNR(times[b])
		alpha, sigma := schedule.AlphaSigma(levels[b])

		eps := make([]float32, len(rows)*ch)
		src.Normal(eps)
		for j, r := range rows {
			x, dst, e := xStart.Row(r), out.Row(r), eps[j*ch:(j+1)*ch]
			for c := range x {
				dst[c] = float32(float64(x[c])*alpha + sigma*float64(e[c]))
			}
		}
	}
	return out, levels, nil
}
