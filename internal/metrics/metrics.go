package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	SamplerStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octdiff_sampler_steps_total",
		Help: "The total number of reverse diffusion steps executed",
	}, []string{"sampler"})

	SamplerStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "octdiff_sampler_step_duration_seconds",
		Help:    "Duration of a single reverse diffusion step, denoiser included",
		Buckets: prometheus.DefBuckets,
	}, []string{"sampler"})

	SampleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "octdiff_sample_duration_seconds",
		Help:    "Duration of a full sampling call",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"sampler"})

	SampleRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "octdiff_sample_rows",
		Help:    "Number of active octree rows in sampled fields",
		Buckets: []float64{100, 1000, 10000, 100000, 1000000},
	})

	DenoiseDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "octdiff_denoise_duration_seconds",
		Help: "Duration of denoiser invocations",
	})

	TrainingLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "octdiff_training_loss",
		Help:    "Per batch element mean squared error of the denoiser prediction",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	TrainingLossCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octdiff_training_loss_calls_total",
		Help: "Total number of training loss evaluations",
	})

	CorruptionTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "octdiff_corruption_time",
		Help:    "Sampled diffusion time per corrupted batch element",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	ClampedElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octdiff_clamped_elements_total",
		Help: "Predicted clean elements clamped into [-1, 1]",
	}, []string{"sampler"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octdiff_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octdiff_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	TensorBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "octdiff_tensor_bytes",
		Help: "Bytes allocated by feature tensor contexts that have not been freed",
	})

	FieldTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octdiff_field_transfers_total",
		Help: "Feature fields written or read through storage and transport",
	}, []string{"direction", "backend"})
)

// RecordStep records one reverse step of the given sampler.
func RecordStep(sampler string, duration time.Duration) {
	totalSteps.Add(1)
	SamplerStepsTotal.WithLabelValues(sampler).Inc()
	SamplerStepDuration.WithLabelValues(sampler).Observe(duration.Seconds())
}

// TotalSteps returns the number of reverse steps recorded by this process.
func TotalSteps() int64 {
	return totalSteps.Load()
}

func RecordSample(sampler string, rows int, duration time.Duration) {
	SampleDuration.WithLabelValues(sampler).Observe(duration.Seconds())
	SampleRows.Observe(float64(rows))
}

func RecordDenoise(duration time.Duration) {
	DenoiseDuration.Observe(duration.Seconds())
}

// RecordTrainingLoss observes every per-element loss of one evaluation.
func RecordTrainingLoss(losses []float64) {
	TrainingLossCalls.Inc()
	for _, l := range losses {
		TrainingLoss.Observe(l)
	}
}

func RecordCorruptionTime(t float64) {
	CorruptionTime.Observe(t)
}

func RecordClamped(sampler string, n int) {
	if n > 0 {
		ClampedElements.WithLabelValues(sampler).Add(float64(n))
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordTensorBytes(bytes int64) {
	TensorBytes.Set(float64(bytes))
}

func RecordFieldTransfer(direction, backend string) {
	FieldTransfers.WithLabelValues(direction, backend).Inc()
}
