// Package noise supplies the random draws of the diffusion process. Every
// logical sample owns its own Source; sources are not safe for concurrent
// use.
package noise

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Source draws standard Gaussian noise and uniform diffusion times.
type Source interface {
	// Normal fills dst with independent N(0, 1) draws, in index order.
	Normal(dst []float32)
	// Uniform returns a draw from the open interval (0, 1).
	Uniform() float64
}

// Gaussian is a seeded Source. Two Gaussians built from the same seed
// produce identical streams.
type Gaussian struct {
	normal  distuv.Normal
	uniform distuv.Uniform
}

func NewGaussian(seed uint64) *Gaussian {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Gaussian{
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		uniform: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

func (g *Gaussian) Normal(dst []float32) {
	for i := range dst {
		dst[i] = float32(g.normal.Rand())
	}
}

func (g *Gaussian) Uniform() float64 {
	for {
		u := g.uniform.Rand()
		if u > 0 && u < 1 {
			return u
		}
	}
}

// Counting wraps a Source and tracks how many normal values were drawn.
type Counting struct {
	Source
	NormalDraws int
	NormalCalls int
}

func (c *Counting) Normal(dst []float32) {
	c.NormalCalls++
	c.NormalDraws += len(dst)
	c.Source.Normal(dst)
}
