package main

import (
	"fmt"
	"os"

	"github.com/golang/geo/r3"

	"github.com/23skdu/longbow-octdiff/internal/denoise"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/diffusion"
	"github.com/23skdu/longbow-octdiff/internal/fieldio"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

// randomSpheres draws n spheres that stay inside the unit cube.
func randomSpheres(n int, src noise.Source) []octree.Sphere {
	spheres := make([]octree.Sphere, n)
	for i := range spheres {
		radius := 0.2 + 0.4*src.Uniform()
		span := 0.9 - radius
		spheres[i] = octree.Sphere{
			Center: r3.Vector{
				X: span * (2*src.Uniform() - 1),
				Y: span * (2*src.Uniform() - 1),
				Z: span * (2*src.Uniform() - 1),
			},
			Radius: radius,
		}
	}
	return spheres
}

// loadReference reads a field from path, or builds a synthetic sphere batch
// when path is empty.
func loadReference(dev *device.Context, path string, depth, shapes int, clip float64, seed uint64) (*device.Tensor, *octree.Batch, error) {
	if path == "" {
		return octree.SphereBatch(dev, depth, randomSpheres(shapes, noise.NewGaussian(seed)), clip, 1)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open reference: %w", err)
	}
	defer f.Close()
	return fieldio.Read(f)
}

const (
	denoiserGaussian = "gaussian"
	denoiserOracle   = "oracle"
)

// newDenoiser builds the named closed-form denoiser around ref. The oracle
// always answers with ref itself, which makes it a sanity check for the
// samplers and the loss.
func newDenoiser(dev *device.Context, name string, ref *device.Tensor) (diffusion.Denoiser, error) {
	switch name {
	case denoiserGaussian, "":
		g, err := denoise.FitGaussian(dev, ref)
		if err != nil {
			return nil, err
		}
		return g, nil
	case denoiserOracle:
		return denoise.NewOracle(dev, ref), nil
	default:
		return nil, fmt.Errorf("unknown denoiser %q (want %s or %s)", name, denoiserGaussian, denoiserOracle)
	}
}
