package diffusion

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

const (
	SamplerDDPM = "ddpm"
	SamplerDDIM = "ddim"

	// sigmaFloor bounds the DDIM noise estimate as sigma approaches zero.
	sigmaFloor = 1e-8
)

type SampleOptions struct {
	UseDDIM        bool
	Steps          int
	TruncatedIndex float64
}

// point is the schedule evaluated at one diffusion time.
type point struct {
	time   float64
	logSNR float64
	alpha  float64
	sigma  float64
}

func (m *Model) at(t float64) point {
	l := m.schedule.LogSNR(t)
	alpha, sigma := schedule.AlphaSigma(l)
	return point{time: t, logSNR: l, alpha: alpha, sigma: sigma}
}

// stepFunc advances x in place given the clamped clean estimate x0. It
// reports whether fresh noise was injected.
type stepFunc func(x, x0 *device.Tensor, cur, next point) (bool, error)

// Sample draws a standard Gaussian field shaped like reference and runs the
// selected reverse process on it. Only the layout of reference is used.
func (m *Model) Sample(dev *device.Context, reference *device.Tensor, oct octree.Octree, opts SampleOptions, src noise.Source) (*device.Tensor, error) {
	if err := checkLayout(reference, oct); err != nil {
		return nil, err
	}
	x := dev.NewTensor("x_T", reference.Rows(), reference.Channels())
	defer dev.PutTensor(x)
	src.Normal(x.Data())

	if opts.UseDDIM {
		return m.DDIMSample(dev, x, oct, opts.Steps)
	}
	return m.DDPMSample(dev, x, oct, opts.Steps, opts.TruncatedIndex, src)
}

// DDPMSample runs the ancestral sampler from the noisy field x, which is
// left untouched. Fresh noise is injected only on steps whose next time is
// above truncatedIndex.
func (m *Model) DDPMSample(dev *device.Context, x *device.Tensor, oct octree.Octree, steps int, truncatedIndex float64, src noise.Source) (*device.Tensor, error) {
	var eps *device.Tensor
	defer func() {
		dev.PutTensor(eps)
	}()

	return m.reverse(dev, SamplerDDPM, x, oct, steps, func(x, x0 *device.Tensor, cur, next point) (bool, error) {
		xScale, x0Scale, variance, err := posterior(cur, next)
		if err != nil {
			return false, err
		}
		if err := dev.Axpby(x, xScale, x, x0Scale, x0); err != nil {
			return false, err
		}
		if next.time <= truncatedIndex {
			return false, nil
		}

		if eps == nil {
			eps = dev.ZerosLike("eps", x)
		}
		src.Normal(eps.Data())
		if err := dev.Axpby(x, 1, x, math.Sqrt(variance), eps); err != nil {
			return false, err
		}
		return true, nil
	})
}

// posterior gives the coefficients of the Gaussian q(x_next | x, x0):
// mean = xScale*x + x0Scale*x0, with the returned variance.
func posterior(cur, next point) (xScale, x0Scale, variance float64, err error) {
	if !(cur.alpha > 0) || math.IsInf(cur.alpha, 0) {
		return 0, 0, 0, fmt.Errorf("%w: alpha=%g at t=%g", ErrDegenerateAlpha, cur.alpha, cur.time)
	}
	d := cur.logSNR - next.logSNR
	c := -math.Expm1(d)
	// 1-c taken directly so it keeps full precision when c is close to 1.
	keep := math.Exp(d)
	return next.alpha * keep / cur.alpha, next.alpha * c, next.sigma * next.sigma * c, nil
}

// DDIMSample runs the deterministic sampler from x, which is left untouched.
// The result depends only on x, oct and steps.
func (m *Model) DDIMSample(dev *device.Context, x *device.Tensor, oct octree.Octree, steps int) (*device.Tensor, error) {
	var predNoise *device.Tensor
	defer func() {
		dev.PutTensor(predNoise)
	}()

	return m.reverse(dev, SamplerDDIM, x, oct, steps, func(x, x0 *device.Tensor, cur, next point) (bool, error) {
		if predNoise == nil {
			predNoise = dev.ZerosLike("pred_noise", x)
		}
		s := math.Max(cur.sigma, sigmaFloor)
		if err := dev.Axpby(predNoise, 1/s, x, -cur.alpha/s, x0); err != nil {
			return false, err
		}
		if err := dev.Axpby(x, next.alpha, x0, next.sigma, predNoise); err != nil {
			return false, err
		}
		return false, nil
	})
}

// reverse walks the time pairs, denoising and clamping at every step before
// handing the update to step.
func (m *Model) reverse(dev *device.Context, sampler string, init *device.Tensor, oct octree.Octree, steps int, step stepFunc) (*device.Tensor, error) {
	if err := checkLayout(init, oct); err != nil {
		return nil, err
	}
	pairs, err := schedule.BatchTimesteps(oct.BatchSize(), steps)
	if err != nil {
		metrics.RecordValidationError(sampler, "steps")
		return nil, err
	}

	start := time.Now()
	x := init.Clone(dev, "x_"+sampler)
	levels := make([]float64, oct.BatchSize())
	for i, pair := range pairs {
		stepStart := time.Now()
		cur, next := m.at(pair.Time[0]), m.at(pair.Next[0])
		for b, t := range pair.Time {
			levels[b] = m.schedule.LogSNR(t)
		}

		x0, err := m.denoise(x, levels, oct, nil)
		if err != nil {
			dev.PutTensor(x)
			return nil, err
		}
		clamped := dev.Clamp(x0, -1, 1)
		metrics.RecordClamped(sampler, clamped)

		noised, err := step(x, x0, cur, next)
		release(dev, x0, x)
		if err != nil {
			dev.PutTensor(x)
			return nil, err
		}

		m.notify(StepInfo{
			Sampler:  sampler,
			Index:    i,
			Total:    len(pairs),
			Time:     cur.time,
			Next:     next.time,
			LogSNR:   cur.logSNR,
			Alpha:    cur.alpha,
			Sigma:    cur.sigma,
			Clamped:  clamped,
			Noised:   noised,
			Duration: time.Since(stepStart),
		})
	}

	elapsed := time.Since(start)
	metrics.RecordSample(sampler, x.Rows(), elapsed)
	stats := device.Audit(x)
	if !stats.Finite() {
		m.log.Warn("non-finite values in sample",
			"sampler", sampler, "nans", stats.NaNs, "infs", stats.Infs)
	}
	m.log.Info("sample complete",
		"sampler", sampler, "steps", len(pairs), "rows", x.Rows(),
		"mean", stats.Mean, "rms", stats.RMS, "duration", elapsed)
	return x, nil
}
