package diffusion

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

// TrainingLoss samples one diffusion time per batch element, corrupts
// xStart, asks the denoiser for the clean field without self-conditioning
// and returns the mean squared error of each batch element. Reduction
// across elements is left to the caller.
func (m *Model) TrainingLoss(dev *device.Context, xStart *device.Tensor, oct octree.Octree, src noise.Source) ([]float64, error) {
	if err := checkLayout(xStart, oct); err != nil {
		return nil, err
	}
	parts, err := octree.Partition(oct)
	if err != nil {
		return nil, err
	}
	for b, rows := range parts {
		if len(rows) == 0 {
			metrics.RecordValidationError("training_loss", "empty_element")
			return nil, fmt.Errorf("%w: element %d", octree.ErrEmptyElement, b)
		}
	}

	times := make([]float64, oct.BatchSize())
	for i := range times {
		times[i] = src.Uniform()
		metrics.RecordCorruptionTime(times[i])
	}

	xt, levels, err := m.Corrupt(dev, xStart, oct, times, src)
	if err != nil {
		return nil, err
	}
	defer dev.PutTensor(xt)
	pred, err := m.denoise(xt, levels, oct, nil)
	if err != nil {
		return nil, err
	}
	defer release(dev, pred, xt)

	sq := dev.ZerosLike("sq_err", xStart)
	defer dev.PutTensor(sq)
	if err := dev.SquaredError(sq, pred, xStart); err != nil {
		return nil, err
	}

	ch := xStart.Channels()
	loss := make([]float64, len(parts))
	for b, rows := range parts {
		vals := make([]float64, 0, len(rows)*ch)
		for _, r := range rows {
			for _, v := range sq.Row(r) {
				vals = append(vals, float64(v))
			}
		}
		loss[b] = stat.Mean(vals, nil)
	}

	metrics.RecordTrainingLoss(loss)
	m.log.Debug("training loss", "batch_size", len(loss), "rows", xStart.Rows(), "loss", loss)
	return loss, nil
}
