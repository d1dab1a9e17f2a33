package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	arrowclient "github.com/23skdu/longbow-octdiff/internal/arrow_client"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/fieldio"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

func (a *app) inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print statistics of stored fields",
		ArgsUsage: "[FILE...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: flagName, Usage: "fetch field `NAME` from the Flight server instead of a file"},
			&cli.BoolFlag{Name: flagList, Usage: "list the fields held by the Flight server"},
		},
		Action: a.runInspect,
	}
}

func (a *app) runInspect(c *cli.Context) error {
	names := c.StringSlice(flagName)
	list := c.Bool(flagList)
	if c.NArg() == 0 && len(names) == 0 && !list {
		return cli.Exit("inspect needs at least one FILE, --name or --list", 2)
	}

	for _, path := range c.Args().Slice() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		t, batch, err := fieldio.Read(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := renderField(path, t, batch); err != nil {
			return err
		}
	}

	if len(names) == 0 && !list {
		return nil
	}
	host, port, err := a.flightHostPort()
	if err != nil {
		return err
	}
	client, err := arrowclient.NewFlightClient(host, port)
	if err != nil {
		return err
	}
	if err := client.Connect(c.Context); err != nil {
		return err
	}
	defer client.Close()

	if list {
		stored, err := client.ListFields(c.Context)
		if err != nil {
			return err
		}
		if err := renderNames(stored); err != nil {
			return err
		}
	}
	for _, name := range names {
		t, batch, err := client.GetField(c.Context, name)
		if err != nil {
			return err
		}
		if err := renderField(name, t, batch); err != nil {
			return err
		}
	}
	return nil
}

func renderField(title string, t *device.Tensor, batch *octree.Batch) error {
	stats := device.Audit(t)
	parts, err := octree.Partition(batch)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println(title)
	rows := [][]string{
		{"property", "value"},
		{"name", t.Name()},
		{"rows", strconv.Itoa(t.Rows())},
		{"channels", strconv.Itoa(t.Channels())},
		{"depth", strconv.Itoa(batch.Depth())},
		{"batch size", strconv.Itoa(batch.BatchSize())},
		{"min", fmt.Sprintf("%.4f", stats.Min)},
		{"max", fmt.Sprintf("%.4f", stats.Max)},
		{"mean", fmt.Sprintf("%.4f", stats.Mean)},
		{"rms", fmt.Sprintf("%.4f", stats.RMS)},
		{"nan / inf", fmt.Sprintf("%d / %d", stats.NaNs, stats.Infs)},
	}
	for b, p := range parts {
		rows = append(rows, []string{fmt.Sprintf("element %d rows", b), strconv.Itoa(len(p))})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func renderNames(names []string) error {
	rows := [][]string{{"field"}}
	for _, n := range names {
		rows = append(rows, []string{n})
	}
	pterm.DefaultSection.Println("stored fields")
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
