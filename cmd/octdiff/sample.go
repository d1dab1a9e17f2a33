package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	arrowclient "github.com/23skdu/longbow-octdiff/internal/arrow_client"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/diffusion"
	"github.com/23skdu/longbow-octdiff/internal/fieldio"
	"github.com/23skdu/longbow-octdiff/internal/noise"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

func (a *app) sampleCommand() *cli.Command {
	return &cli.Command{
		Name:  "sample",
		Usage: "draw fields from the reverse diffusion process",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: flagSteps, Usage: "number of reverse steps"},
			&cli.BoolFlag{Name: flagDDIM, Usage: "use the deterministic DDIM sampler"},
			&cli.Float64Flag{Name: flagTruncated, Usage: "stop injecting DDPM noise once the next time is at or below this"},
			&cli.Uint64Flag{Name: flagSeed, Usage: "base seed; sample i uses seed+i"},
			&cli.IntFlag{Name: flagSamples, Aliases: []string{"n"}, Usage: "number of independent samples"},
			&cli.StringFlag{Name: flagInput, Aliases: []string{"i"}, Usage: "reference field `FILE` (Arrow IPC); synthetic spheres when empty"},
			&cli.IntFlag{Name: flagDepth, Value: 5, Usage: "octree depth of the synthetic reference"},
			&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Value: ".", Usage: "output `DIR`"},
			&cli.BoolFlag{Name: flagPush, Usage: "upload samples to the Flight field server"},
			&cli.StringFlag{Name: flagDenoiser, Value: denoiserGaussian, Usage: "closed-form denoiser: gaussian or oracle"},
		},
		Action: a.runSample,
	}
}

func (a *app) runSample(c *cli.Context) error {
	sc := a.cfg.Sampler
	if c.IsSet(flagSteps) {
		sc.Steps = c.Int(flagSteps)
	}
	if c.IsSet(flagDDIM) {
		sc.UseDDIM = c.Bool(flagDDIM)
	}
	if c.IsSet(flagTruncated) {
		sc.TruncatedIndex = c.Float64(flagTruncated)
	}
	if c.IsSet(flagSeed) {
		sc.Seed = c.Uint64(flagSeed)
	}
	if c.IsSet(flagSamples) {
		sc.Samples = c.Int(flagSamples)
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid sampler config: %w", err)
	}
	if err := a.startMonitor(); err != nil {
		return err
	}

	dev := a.newContext()
	defer dev.Free()
	ref, batch, err := loadReference(dev, c.String(flagInput), c.Int(flagDepth), 1, a.cfg.Model.SDFClipValue, sc.Seed)
	if err != nil {
		return err
	}
	prior, err := newDenoiser(dev, c.String(flagDenoiser), ref)
	if err != nil {
		return err
	}

	var opts []diffusion.Option
	var bar *pterm.ProgressbarPrinter
	if a.cfg.Model.Verbose {
		bar, err = pterm.DefaultProgressbar.
			WithTotal(sc.Samples * sc.Steps).
			WithTitle(fmt.Sprintf("%s sampling", sc.SamplerName())).
			Start()
		if err != nil {
			return err
		}
		var mu sync.Mutex
		opts = append(opts, diffusion.WithObserver(func(diffusion.StepInfo) {
			mu.Lock()
			bar.Increment()
			mu.Unlock()
		}))
	}

	model, err := diffusion.New(a.cfg.Model, prior, opts...)
	if err != nil {
		return err
	}
	a.log.Info("sampling",
		"sampler", sc.SamplerName(), "schedule", model.Config().NoiseSchedule, "denoiser", c.String(flagDenoiser),
		"steps", sc.Steps, "samples", sc.Samples, "rows", ref.Rows(), "channels", ref.Channels())

	results := make([]*device.Tensor, sc.Samples)
	g, gctx := errgroup.WithContext(c.Context)
	for i := 0; i < sc.Samples; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sdev := a.newContext()
			defer sdev.Free()
			src := noise.NewGaussian(sc.Seed + uint64(i))
			start := time.Now()
			out, err := model.Sample(sdev, ref, batch, diffusion.SampleOptions{
				UseDDIM:        sc.UseDDIM,
				Steps:          sc.Steps,
				TruncatedIndex: sc.TruncatedIndex,
			}, src)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			a.monitor.RecordSample(out.Rows(), time.Since(start), device.ComputeActivationStats(out.Data(), 0))
			results[i] = out
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		bar.Stop()
	}
	if err != nil {
		return err
	}

	if err := writeSamples(c.String(flagOut), results, batch); err != nil {
		return err
	}
	if c.Bool(flagPush) {
		if err := a.pushSamples(c.Context, results, batch); err != nil {
			return err
		}
	}
	pterm.Success.Printfln("wrote %d %s samples to %s", len(results), sc.SamplerName(), c.String(flagOut))
	return nil
}

func sampleName(i int) string {
	return fmt.Sprintf("sample-%03d", i)
}

func writeSamples(dir string, results []*device.Tensor, batch *octree.Batch) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	var errs error
	for i, t := range results {
		path := filepath.Join(dir, sampleName(i)+".arrow")
		f, err := os.Create(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, fieldio.Write(f, t, batch))
		errs = multierr.Append(errs, f.Close())
	}
	return errs
}

func (a *app) pushSamples(ctx context.Context, results []*device.Tensor, batch *octree.Batch) error {
	host, port, err := a.flightHostPort()
	if err != nil {
		return err
	}
	client, err := arrowclient.NewFlightClient(host, port)
	if err != nil {
		return err
	}
	return pushFields(ctx, client, results, batch)
}

// pushFields uploads every result under its sample name.
func pushFields(ctx context.Context, store arrowclient.FieldStore, results []*device.Tensor, batch *octree.Batch) error {
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Close()

	for i, t := range results {
		if err := store.PutField(ctx, sampleName(i), t, batch); err != nil {
			return fmt.Errorf("push %s: %w", sampleName(i), err)
		}
	}
	return nil
}
