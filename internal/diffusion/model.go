// Package diffusion implements the denoising diffusion process over sparse
// octree feature fields: per-element forward corruption, the training loss,
// and the ancestral (DDPM) and deterministic (DDIM) reverse samplers.
package diffusion

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-octdiff/internal/config"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/logger"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
	"github.com/23skdu/longbow-octdiff/internal/octree"
	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

var (
	// ErrDegenerateAlpha is returned by the DDPM sampler when the signal
	// coefficient it must divide by is zero or not finite.
	ErrDegenerateAlpha = errors.New("degenerate alpha")
	ErrNoDenoiser      = errors.New("no denoiser")
)

// Denoiser predicts the clean field from a noisy one. noiseLevel holds one
// log-SNR per batch element, or a single value shared by every row. The
// returned tensor must have x's layout and is owned by the caller.
type Denoiser interface {
	Denoise(x *device.Tensor, noiseLevel []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error)
}

// DenoiseFunc adapts a plain function to Denoiser.
type DenoiseFunc func(x *device.Tensor, noiseLevel []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error)

func (f DenoiseFunc) Denoise(x *device.Tensor, noiseLevel []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error) {
	return f(x, noiseLevel, oct, selfCond)
}

// StepInfo describes one completed reverse step.
type StepInfo struct {
	Sampler  string
	Index    int
	Total    int
	Time     float64
	Next     float64
	LogSNR   float64
	Alpha    float64
	Sigma    float64
	Clamped  int
	Noised   bool
	Duration time.Duration
}

type StepObserver func(StepInfo)

type Option func(*Model)

// WithObserver registers fn to be called after every reverse step.
func WithObserver(fn StepObserver) Option {
	return func(m *Model) {
		m.observers = append(m.observers, fn)
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Model) {
		m.log = l
	}
}

// Model binds a noise schedule and a denoiser. It holds no per-call state
// and may be shared by concurrent callers that each bring their own
// device context and noise source.
type Model struct {
	cfg       config.Model
	schedule  schedule.Schedule
	denoiser  Denoiser
	log       *logger.Logger
	observers []StepObserver
}

// New validates cfg and binds the configured schedule. An unknown schedule
// name fails here rather than on first use.
func New(cfg config.Model, denoiser Denoiser, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("model", "config")
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if denoiser == nil {
		return nil, ErrNoDenoiser
	}
	kind, err := cfg.ScheduleKind()
	if err != nil {
		return nil, err
	}
	sched, err := schedule.New(kind, cfg.Eps)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:      cfg,
		schedule: sched,
		denoiser: denoiser,
		log:      logger.Log.Component("diffusion"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Model) Config() config.Model {
	return m.cfg
}

func (m *Model) Schedule() schedule.Schedule {
	return m.schedule
}

func (m *Model) denoise(x *device.Tensor, levels []float64, oct octree.Octree, selfCond *device.Tensor) (*device.Tensor, error) {
	start := time.Now()
	out, err := m.denoiser.Denoise(x, levels, oct, selfCond)
	metrics.RecordDenoise(time.Since(start))
	if err != nil {
		return nil, err
	}
	if err := x.CheckShape(out); err != nil {
		metrics.RecordValidationError("denoise", "shape_mismatch")
		return nil, fmt.Errorf("denoiser output: %w", err)
	}
	return out, nil
}

// release returns a denoiser output to its pool unless the denoiser handed
// back its input.
func release(dev *device.Context, out, in *device.Tensor) {
	if out != in {
		dev.PutTensor(out)
	}
}

// checkLayout verifies that field has exactly one row per finest-level node.
func checkLayout(field *device.Tensor, oct octree.Octree) error {
	if field == nil {
		return fmt.Errorf("%w: nil field", device.ErrShapeMismatch)
	}
	if oct == nil {
		return errors.New("nil octree")
	}
	if n := len(oct.BatchID(oct.Depth(), true)); n != field.Rows() {
		metrics.RecordValidationError("layout", "row_count")
		return fmt.Errorf("%w: field %s has %d rows, octree depth %d has %d nodes",
			device.ErrShapeMismatch, field.Name(), field.Rows(), oct.Depth(), n)
	}
	return nil
}

func (m *Model) notify(info StepInfo) {
	metrics.RecordStep(info.Sampler, info.Duration)
	if m.cfg.Verbose {
		m.log.Info("sampling step",
			"sampler", info.Sampler, "step", info.Index+1, "total", info.Total,
			"time", info.Time, "log_snr", info.LogSNR)
	} else if m.log.DebugEnabled() {
		m.log.Debug("sampling step",
			"sampler", info.Sampler, "step", info.Index+1, "total", info.Total,
			"time", info.Time, "next", info.Next, "log_snr", info.LogSNR,
			"alpha", info.Alpha, "sigma", info.Sigma, "clamped", info.Clamped,
			"duration", info.Duration)
	}
	for _, fn := range m.observers {
		fn(info)
	}
}
