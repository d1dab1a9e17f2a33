package diffusion

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-octdiff/internal/config"
	"github.com/23skdu/longbow-octdiff/internal/denoise"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

func sphereField(t *testing.T, ctx *device.Context, n int) (*device.Tensor, *octree.Batch) {
	t.Helper()
	spheres := []octree.Sphere{
		{Center: r3.Vector{}, Radius: 0.5},
		{Center: r3.Vector{X: 0.1, Y: 0.2, Z: -0.1}, Radius: 0.35},
		{Center: r3.Vector{X: -0.2}, Radius: 0.6},
	}
	field, batch, err := octree.SphereBatch(ctx, 3, spheres[:n], 0.05, 1)
	require.NoError(t, err)
	return field, batch
}

func newModel(t *testing.T, schedName string, d Denoiser, opts ...Option) *Model {
	t.Helper()
	cfg := config.DefaultModel()
	cfg.NoiseSchedule = schedName
	m, err := New(cfg, d, opts...)
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	oracle := DenoiseFunc(func(x *device.Tensor, _ []float64, _ octree.Octree, _ *device.Tensor) (*device.Tensor, error) {
		return x, nil
	})

	cfg := config.DefaultModel()
	cfg.NoiseSchedule = "quadratic"
	_, err := New(cfg, oracle)
	assert.ErrorIs(t, err, schedule.ErrUnknownSchedule)

	_, err = New(config.DefaultModel(), nil)
	assert.ErrorIs(t, err, ErrNoDenoiser)

	m, err := New(config.DefaultModel(), oracle)
	require.NoError(t, err)
	assert.Equal(t, schedule.Linear, m.Schedule().Kind())
}

func TestCorruptSingleElementMatchesFormula(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	const tm = 0.37
	xt, levels, err := m.Corrupt(ctx, field, batch, []float64{tm}, noise.NewGaussian(11))
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, m.Schedule().LogSNR(tm), levels[0])

	eps := make([]float32, field.NumElements())
	noise.NewGaussian(11).Normal(eps)
	alpha, sigma := schedule.AlphaSigma(levels[0])
	for i, x := range field.Data() {
		want := float32(float64(x)*alpha + sigma*float64(eps[i]))
		assert.InDelta(t, want, xt.Data()[i], 1e-6)
	}
}

func TestCorruptInterleavedElementsKeepRowOrder(t *testing.T) {
	ctx := device.NewContext()
	batch, err := octree.NewBatch(2, 1, map[int][]int{1: {1, 0, 1, 0, 1}})
	require.NoError(t, err)
	field, _ := device.FromRows("x", [][]float32{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}, {0.7, 0.8}, {-0.1, -0.2}})
	m := newModel(t, "cosine", denoise.NewOracle(ctx, field))

	times := []float64{0.2, 0.9}
	xt, levels, err := m.Corrupt(ctx, field, batch, times, noise.NewGaussian(5))
	require.NoError(t, err)

	// Element 0 owns rows 1 and 3 and draws first; element 1 owns rows 0, 2, 4.
	src := noise.NewGaussian(5)
	eps0 := make([]float32, 4)
	eps1 := make([]float32, 6)
	src.Normal(eps0)
	src.Normal(eps1)

	check := func(rows []int, eps []float32, level float64) {
		alpha, sigma := schedule.AlphaSigma(level)
		for j, r := range rows {
			for c := 0; c < 2; c++ {
				want := float64(field.Row(r)[c])*alpha + sigma*float64(eps[j*2+c])
				assert.InDelta(t, want, xt.Row(r)[c], 1e-6, "row %d channel %d", r, c)
			}
		}
	}
	check([]int{1, 3}, eps0, levels[0])
	check([]int{0, 2, 4}, eps1, levels[1])
}

func TestCorruptRoundTrip(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)

	for _, name := range []string{"linear", "cosine"} {
		t.Run(name, func(t *testing.T) {
			m := newModel(t, name, denoise.NewOracle(ctx, field))

			clean, _, err := m.Corrupt(ctx, field, batch, []float64{1e-6}, noise.NewGaussian(3))
			require.NoError(t, err)
			for i, v := range field.Data() {
				assert.InDelta(t, v, clean.Data()[i], 0.06, "near t=0 the field must survive")
			}

			noisy, _, err := m.Corrupt(ctx, field, batch, []float64{1 - 1e-6}, noise.NewGaussian(3))
			require.NoError(t, err)
			eps := make([]float32, field.NumElements())
			noise.NewGaussian(3).Normal(eps)
			for i, v := range eps {
				assert.InDelta(t, v, noisy.Data()[i], 0.01, "near t=1 only the noise must remain")
			}
		})
	}
}

func TestCorruptErrors(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	_, _, err := m.Corrupt(ctx, field, batch, []float64{0.5}, noise.NewGaussian(1))
	assert.Error(t, err)

	short := ctx.NewTensor("short", field.Rows()-1, 1)
	_, _, err = m.Corrupt(ctx, short, batch, []float64{0.5, 0.5}, noise.NewGaussian(1))
	assert.ErrorIs(t, err, device.ErrShapeMismatch)
}

func TestTrainingLoss(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 3)

	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)
	m := newModel(t, "linear", g)

	loss, err := m.TrainingLoss(ctx, field, batch, noise.NewGaussian(21))
	require.NoError(t, err)
	require.Len(t, loss, batch.BatchSize())
	for _, l := range loss {
		assert.GreaterOrEqual(t, l, 0.0)
		assert.False(t, math.IsNaN(l))
	}

	again, err := m.TrainingLoss(ctx, field, batch, noise.NewGaussian(21))
	require.NoError(t, err)
	assert.Equal(t, loss, again, "same seed must give the same loss")
}

func TestTrainingLossPerfectDenoiserIsZero(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	oracle := denoise.NewOracle(ctx, field)
	m := newModel(t, "cosine", oracle)

	loss, err := m.TrainingLoss(ctx, field, batch, noise.NewGaussian(8))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, loss)
	assert.Equal(t, int64(1), oracle.Calls.Load())
}

func TestTrainingLossPassesPerElementLevels(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 3)

	var gotLevels []float64
	var gotSelfCond *device.Tensor
	d := DenoiseFunc(func(x *device.Tensor, levels []float64, _ octree.Octree, selfCond *device.Tensor) (*device.Tensor, error) {
		gotLevels = append([]float64(nil), levels...)
		gotSelfCond = selfCond
		return x.Clone(ctx, "pred"), nil
	})
	m := newModel(t, "linear", d)

	_, err := m.TrainingLoss(ctx, field, batch, noise.NewGaussian(4))
	require.NoError(t, err)
	assert.Len(t, gotLevels, 3)
	assert.Nil(t, gotSelfCond)

	// Levels come from the uniform times drawn before any noise.
	src := noise.NewGaussian(4)
	for i := range gotLevels {
		assert.Equal(t, m.Schedule().LogSNR(src.Uniform()), gotLevels[i])
	}
}

func TestTrainingLossEmptyElement(t *testing.T) {
	ctx := device.NewContext()
	batch, err := octree.FromCounts(1, []int{2, 0})
	require.NoError(t, err)
	field := ctx.NewTensor("x", 2, 1)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	_, err = m.TrainingLoss(ctx, field, batch, noise.NewGaussian(1))
	assert.ErrorIs(t, err, octree.ErrEmptyElement)
}

func TestDenoiserErrorPropagates(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	boom := errors.New("network exploded")
	m := newModel(t, "linear", DenoiseFunc(func(*device.Tensor, []float64, octree.Octree, *device.Tensor) (*device.Tensor, error) {
		return nil, boom
	}))

	_, err := m.TrainingLoss(ctx, field, batch, noise.NewGaussian(1))
	assert.Same(t, boom, err)

	_, err = m.DDIMSample(ctx, field, batch, 5)
	assert.Same(t, boom, err)

	_, err = m.DDPMSample(ctx, field, batch, 5, 0, noise.NewGaussian(1))
	assert.Same(t, boom, err)
}

func TestDenoiserWrongShape(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	m := newModel(t, "linear", DenoiseFunc(func(x *device.Tensor, _ []float64, _ octree.Octree, _ *device.Tensor) (*device.Tensor, error) {
		return ctx.NewTensor("bad", x.Rows()+1, x.Channels()), nil
	}))

	_, err := m.DDIMSample(ctx, field, batch, 3)
	assert.ErrorIs(t, err, device.ErrShapeMismatch)
}

func TestDDIMDeterministic(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)
	m := newModel(t, "cosine", g)

	init := ctx.ZerosLike("x_T", field)
	noise.NewGaussian(99).Normal(init.Data())
	before := append([]float32(nil), init.Data()...)

	a, err := m.DDIMSample(ctx, init, batch, 12)
	require.NoError(t, err)
	b, err := m.DDIMSample(ctx, init, batch, 12)
	require.NoError(t, err)

	assert.Equal(t, a.Data(), b.Data(), "DDIM must be bit-reproducible")
	assert.Equal(t, before, init.Data(), "input field must not be modified")
}

func TestDDIMConvergesWithOracle(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	out, err := m.Sample(ctx, field, batch, SampleOptions{UseDDIM: true, Steps: 10}, noise.NewGaussian(2))
	require.NoError(t, err)
	for i, v := range field.Data() {
		assert.InDelta(t, v, out.Data()[i], 0.1)
	}
}

func TestDDPMConvergesWithOracle(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	out, err := m.Sample(ctx, field, batch, SampleOptions{Steps: 20}, noise.NewGaussian(2))
	require.NoError(t, err)
	for i, v := range field.Data() {
		assert.InDelta(t, v, out.Data()[i], 0.05)
	}
}

func TestDDPMSeededReproducible(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)
	m := newModel(t, "linear", g)

	opts := SampleOptions{Steps: 8, TruncatedIndex: 0.1}
	a, err := m.Sample(ctx, field, batch, opts, noise.NewGaussian(7))
	require.NoError(t, err)
	b, err := m.Sample(ctx, field, batch, opts, noise.NewGaussian(7))
	require.NoError(t, err)
	c, err := m.Sample(ctx, field, batch, opts, noise.NewGaussian(8))
	require.NoError(t, err)

	assert.Equal(t, a.Data(), b.Data())
	assert.NotEqual(t, a.Data(), c.Data())
}

func TestDDPMTruncation(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)

	tests := []struct {
		name      string
		truncated float64
		wantCalls int
	}{
		// Next times for 4 steps are 0.75, 0.5, 0.25 and 0.
		{"no truncation", 0, 3},
		{"at boundary", 0.5, 1},
		{"above every next", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var noised []bool
			m := newModel(t, "linear", g, WithObserver(func(info StepInfo) {
				noised = append(noised, info.Noised)
			}))
			src := &noise.Counting{Source: noise.NewGaussian(1)}
			_, err := m.DDPMSample(ctx, field, batch, 4, tt.truncated, src)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, src.NormalCalls)
			assert.Equal(t, tt.wantCalls*field.NumElements(), src.NormalDraws)
			require.Len(t, noised, 4)
			assert.False(t, noised[3], "the final step never injects noise")
		})
	}
}

func TestDDPMFullyTruncatedIsDeterministic(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)
	m := newModel(t, "cosine", g)

	a, err := m.DDPMSample(ctx, field, batch, 6, 1, noise.NewGaussian(1))
	require.NoError(t, err)
	b, err := m.DDPMSample(ctx, field, batch, 6, 1, noise.NewGaussian(2))
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestSampleClampsPrediction(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)

	d := DenoiseFunc(func(x *device.Tensor, _ []float64, _ octree.Octree, _ *device.Tensor) (*device.Tensor, error) {
		out := ctx.ZerosLike("pred", x)
		for i := range out.Data() {
			out.Data()[i] = 5
		}
		return out, nil
	})
	var clamped int
	m := newModel(t, "linear", d, WithObserver(func(info StepInfo) {
		clamped += info.Clamped
	}))

	out, err := m.DDIMSample(ctx, field, batch, 3)
	require.NoError(t, err)
	assert.Equal(t, 3*field.NumElements(), clamped)
	// A constant clean estimate keeps the implied noise fixed, so the
	// output lands within sigma(0) of it.
	for _, v := range out.Data() {
		assert.InDelta(t, 1.0, v, 0.02)
	}
}

func TestSampleObserver(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 2)
	g, err := denoise.FitGaussian(ctx, field)
	require.NoError(t, err)

	var infos []StepInfo
	m := newModel(t, "linear", g, WithObserver(func(info StepInfo) {
		infos = append(infos, info)
	}))
	_, err = m.Sample(ctx, field, batch, SampleOptions{UseDDIM: true, Steps: 5}, noise.NewGaussian(1))
	require.NoError(t, err)

	require.Len(t, infos, 5)
	for i, info := range infos {
		assert.Equal(t, SamplerDDIM, info.Sampler)
		assert.Equal(t, i, info.Index)
		assert.Equal(t, 5, info.Total)
		assert.InDelta(t, 1-float64(i)/5, info.Time, 1e-12)
		assert.InDelta(t, 1.0, info.Alpha*info.Alpha+info.Sigma*info.Sigma, 1e-9)
		assert.False(t, info.Noised)
	}
	assert.Equal(t, 0.0, infos[4].Next)
}

func TestSampleValidatesSteps(t *testing.T) {
	ctx := device.NewContext()
	field, batch := sphereField(t, ctx, 1)
	m := newModel(t, "linear", denoise.NewOracle(ctx, field))

	_, err := m.Sample(ctx, field, batch, SampleOptions{Steps: 0}, noise.NewGaussian(1))
	assert.Error(t, err)
}

func TestPosteriorDegenerateAlpha(t *testing.T) {
	next := point{time: 0.5, logSNR: 0, alpha: math.Sqrt(0.5), sigma: math.Sqrt(0.5)}

	_, _, _, err := posterior(point{time: 1, logSNR: math.Inf(-1)}, next)
	assert.ErrorIs(t, err, ErrDegenerateAlpha)

	_, _, _, err = posterior(point{time: 1, alpha: math.NaN()}, next)
	assert.ErrorIs(t, err, ErrDegenerateAlpha)
}

func TestPosteriorCoefficients(t *testing.T) {
	m := newModel(t, "linear", DenoiseFunc(func(x *device.Tensor, _ []float64, _ octree.Octree, _ *device.Tensor) (*device.Tensor, error) {
		return x, nil
	}))
	cur, next := m.at(0.6), m.at(0.4)

	xScale, x0Scale, variance, err := posterior(cur, next)
	require.NoError(t, err)

	c := 1 - math.Exp(cur.logSNR-next.logSNR)
	assert.InDelta(t, next.alpha*(1-c)/cur.alpha, xScale, 1e-12)
	assert.InDelta(t, next.alpha*c, x0Scale, 1e-12)
	assert.InDelta(t, next.sigma*next.sigma*c, variance, 1e-12)
	assert.Greater(t, variance, 0.0)
}

func TestSampleReleasesTensorAccounting(t *testing.T) {
	fixture := device.NewContext()
	field, batch := sphereField(t, fixture, 2)
	denoiserCtx := device.NewContext()
	g, err := denoise.FitGaussian(denoiserCtx, field)
	require.NoError(t, err)
	m := newModel(t, "linear", g)

	before := device.AllocatedBytes()
	// The denoiser's outputs are recycled through its own pool, so it keeps
	// exactly one field-sized tensor between calls.
	want := before + int64(field.NumElements())*4
	for i := 0; i < 3; i++ {
		dev := device.NewContext()
		_, err := m.Sample(dev, field, batch, SampleOptions{Steps: 4}, noise.NewGaussian(uint64(i)))
		require.NoError(t, err)
		_, err = m.TrainingLoss(dev, field, batch, noise.NewGaussian(uint64(i)))
		require.NoError(t, err)
		dev.Free()
		assert.Equal(t, want, device.AllocatedBytes(), "iteration %d", i)
	}

	denoiserCtx.Free()
	assert.Equal(t, before, device.AllocatedBytes())
}
