// Package schedule holds the continuous-time noise schedules used by the
// diffusion core and the timestep lists that drive the reverse samplers.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownSchedule = errors.New("unknown noise schedule")

type Kind int

const (
	Linear Kind = iota
	Cosine
)

// cosineOffset is the small time shift that keeps the cosine schedule away
// from an infinite SNR at t=0.
const cosineOffset = 0.008

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Cosine:
		return "cosine"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration value onto a schedule variant.
func ParseKind(name string) (Kind, error) {
	switch strings.TrimSpace(name) {
	case "linear":
		return Linear, nil
	case "cosine":
		return Cosine, nil
	default:
		return 0, fmt.Errorf("%w: %q (want \"linear\" or \"cosine\")", ErrUnknownSchedule, name)
	}
}

// Schedule is a noise schedule bound to its variant at construction time.
type Schedule struct {
	kind Kind
	eps  float64
	fn   func(t, eps float64) float64
}

// New binds the schedule function for kind. eps is the floor applied before
// taking logarithms.
func New(kind Kind, eps float64) (Schedule, error) {
	if eps <= 0 || math.IsNaN(eps) {
		return Schedule{}, fmt.Errorf("invalid eps: %g (must be positive)", eps)
	}
	s := Schedule{kind: kind, eps: eps}
	switch kind {
	case Linear:
		s.fn = func(t, _ float64) float64 { return BetaLinearLogSNR(t) }
	case Cosine:
		s.fn = AlphaCosineLogSNR
	default:
		return Schedule{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, kind)
	}
	return s, nil
}

func (s Schedule) Kind() Kind {
	return s.kind
}

// LogSNR evaluates the schedule at a normalized diffusion time in [0, 1].
func (s Schedule) LogSNR(t float64) float64 {
	return s.fn(t, s.eps)
}

// BetaLinearLogSNR is the log-SNR of a linearly increasing beta schedule.
// The 1e-4 offset keeps expm1 strictly positive at t=0.
func BetaLinearLogSNR(t float64) float64 {
	return -math.Log(math.Expm1(1e-4 + 10*t*t))
}

// AlphaCosineLogSNR is the log-SNR of the shifted cosine alpha schedule.
func AlphaCosineLogSNR(t, eps float64) float64 {
	c := math.Cos((t + cosineOffset) / (1 + cosineOffset) * math.Pi * 0.5)
	return -safeLog(1/(c*c)-1, eps)
}

func safeLog(x, eps float64) float64 {
	if x < eps || math.IsNaN(x) {
		x = eps
	}
	return math.Log(x)
}

// AlphaSigma converts a log-SNR into the variance preserving mixing
// coefficients: alpha = sqrt(sigmoid(l)), sigma = sqrt(sigmoid(-l)).
func AlphaSigma(logSNR float64) (alpha, sigma float64) {
	return math.Sqrt(sigmoid(logSNR)), math.Sqrt(sigmoid(-logSNR))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
