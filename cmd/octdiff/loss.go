package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-octdiff/internal/diffusion"
	"github.com/23skdu/longbow-octdiff/internal/noise"
)

func (a *app) lossCommand() *cli.Command {
	return &cli.Command{
		Name:  "loss",
		Usage: "evaluate the training loss of a closed-form denoiser on a batch",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: flagBatchSize, Aliases: []string{"b"}, Usage: "shapes per batch"},
			&cli.IntFlag{Name: flagIters, Usage: "number of loss evaluations"},
			&cli.Uint64Flag{Name: flagSeed, Usage: "seed for shapes, times and noise"},
			&cli.StringFlag{Name: flagInput, Aliases: []string{"i"}, Usage: "batch `FILE` (Arrow IPC); random spheres when empty"},
			&cli.IntFlag{Name: flagDepth, Value: 5, Usage: "octree depth of the synthetic batch"},
			&cli.StringFlag{Name: flagDenoiser, Value: denoiserGaussian, Usage: "closed-form denoiser: gaussian or oracle"},
		},
		Action: a.runLoss,
	}
}

func (a *app) runLoss(c *cli.Context) error {
	lc := a.cfg.Loss
	if c.IsSet(flagBatchSize) {
		lc.BatchSize = c.Int(flagBatchSize)
	}
	if c.IsSet(flagIters) {
		lc.Iterations = c.Int(flagIters)
	}
	if c.IsSet(flagSeed) {
		lc.Seed = c.Uint64(flagSeed)
	}
	if err := lc.Validate(); err != nil {
		return fmt.Errorf("invalid loss config: %w", err)
	}
	if err := a.startMonitor(); err != nil {
		return err
	}

	dev := a.newContext()
	defer dev.Free()
	field, batch, err := loadReference(dev, c.String(flagInput), c.Int(flagDepth), lc.BatchSize, a.cfg.Model.SDFClipValue, lc.Seed)
	if err != nil {
		return err
	}
	prior, err := newDenoiser(dev, c.String(flagDenoiser), field)
	if err != nil {
		return err
	}
	model, err := diffusion.New(a.cfg.Model, prior)
	if err != nil {
		return err
	}

	src := noise.NewGaussian(lc.Seed + 1)
	sums := make([]float64, batch.BatchSize())
	for it := 0; it < lc.Iterations; it++ {
		loss, err := model.TrainingLoss(dev, field, batch, src)
		if err != nil {
			return err
		}
		for b, l := range loss {
			sums[b] += l
		}
		a.log.Debug("loss iteration", "iteration", it, "mean", stat.Mean(loss, nil))
	}

	rows := [][]string{{"element", "mean loss"}}
	for b, s := range sums {
		sums[b] = s / float64(lc.Iterations)
		rows = append(rows, []string{strconv.Itoa(b), strconv.FormatFloat(sums[b], 'g', 6, 64)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Info.Printfln("batch mean loss %.6g over %d iterations", stat.Mean(sums, nil), lc.Iterations)
	return nil
}
