// Package denoise provides closed-form denoisers that stand in for a
// trained network: an oracle that always answers with a known clean field,
// and the posterior mean under a per-channel Gaussian prior.
package denoise

import (
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/octree"
	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

// Oracle returns a copy of Clean regardless of its input. It is safe for
// concurrent use.
type Oracle struct {
	Clean *device.Tensor
	Ctx   *device.Context
	Calls atomic.Int64
}

func NewOracle(ctx *device.Context, clean *device.Tensor) *Oracle {
	return &Oracle{Clean: clean, Ctx: ctx}
}

func (o *Oracle) Denoise(x *device.Tensor, noiseLevel []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error) {
	o.Calls.Add(1)
	out := o.Ctx.ZerosLike("x_start", x)
	if err := o.Ctx.Copy(out, o.Clean); err != nil {
		o.Ctx.PutTensor(out)
		return nil, err
	}
	return out, nil
}

// Gaussian is the posterior mean of x0 given x_t = alpha*x0 + sigma*eps when
// every channel of x0 is independently N(Mean[c], Var[c]).
type Gaussian struct {
	Mean []float64
	Var  []float64
	ctx  *device.Context
}

// FitGaussian estimates per-channel moments from a reference field.
func FitGaussian(ctx *device.Context, ref *device.Tensor) (*Gaussian, error) {
	if ref.Rows() < 2 {
		return nil, fmt.Errorf("need at least 2 rows to fit, got %d", ref.Rows())
	}
	ch := ref.Channels()
	g := &Gaussian{Mean: make([]float64, ch), Var: make([]float64, ch), ctx: ctx}
	col := make([]float64, ref.Rows())
	for c := 0; c < ch; c++ {
		for r := range col {
			col[r] = float64(ref.Row(r)[c])
		}
		g.Mean[c], g.Var[c] = stat.MeanVariance(col, nil)
	}
	return g, nil
}

func (g *Gaussian) Denoise(x *device.Tensor, noiseLevel []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error) {
	if x.Channels() != len(g.Mean) {
		return nil, fmt.Errorf("%w: field has %d channels, prior has %d", device.ErrShapeMismatch, x.Channels(), len(g.Mean))
	}
	perRow, err := octree.BroadcastPerRow(oct, noiseLevel)
	if err != nil {
		return nil, err
	}
	if len(perRow) != x.Rows() {
		return nil, fmt.Errorf("%w: %d noise levels for %d rows", device.ErrShapeMismatch, len(perRow), x.Rows())
	}

	out := g.ctx.ZerosLike("x_start", x)
	for r, l := range perRow {
		alpha, sigma := schedule.AlphaSigma(l)
		in, dst := x.Row(r), out.Row(r)
		for c, v := range in {
			mu, variance := g.Mean[c], g.Var[c]
			den := alpha*alpha*variance + sigma*sigma
			if den == 0 {
				dst[c] = float32(mu)
				continue
			}
			dst[c] = float32(mu + alpha*variance/den*(float64(v)-alpha*mu))
		}
	}
	return out, nil
}
