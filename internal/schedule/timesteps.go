package schedule

import "fmt"

// TimePair is one reverse step, from Time down to Next.
type TimePair struct {
	Time float64
	Next float64
}

// BatchPair is a TimePair broadcast across batch slots.
type BatchPair struct {
	Time []float64
	Next []float64
}

// Timesteps returns steps pairs walking 1.0 down to 0.0 in uniform
// subdivisions. The endpoints are exact.
func Timesteps(steps int) ([]TimePair, error) {
	if steps < 1 {
		return nil, fmt.Errorf("invalid steps: %d (must be >= 1)", steps)
	}

	times := make([]float64, steps+1)
	for i := range times {
		times[i] = float64(steps-i) / float64(steps)
	}

	pairs := make([]TimePair, steps)
	for i := range pairs {
		pairs[i] = TimePair{Time: times[i], Next: times[i+1]}
	}
	return pairs, nil
}

// BatchTimesteps is Timesteps with every pair repeated for batch slots.
func BatchTimesteps(batch, steps int) ([]BatchPair, error) {
	if batch < 1 {
		return nil, fmt.Errorf("invalid batch: %d (must be >= 1)", batch)
	}
	pairs, err := Timesteps(steps)
	if err != nil {
		return nil, err
	}

	out := make([]BatchPair, len(pairs))
	for i, p := range pairs {
		bp := BatchPair{Time: make([]float64, batch), Next: make([]float64, batch)}
		for b := 0; b < batch; b++ {
			bp.Time[b] = p.Time
			bp.Next[b] = p.Next
		}
		out[i] = bp
	}
	return out, nil
}
