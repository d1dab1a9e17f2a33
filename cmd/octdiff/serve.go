package main

import (
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	arrowclient "github.com/23skdu/longbow-octdiff/internal/arrow_client"
)

func (a *app) serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run an in-memory Arrow Flight field server",
		Action: a.runServe,
	}
}

func (a *app) runServe(c *cli.Context) error {
	if err := a.startMonitor(); err != nil {
		return err
	}
	srv := arrowclient.NewFieldServer()
	bound, err := srv.Start(a.cfg.FlightAddr)
	if err != nil {
		return err
	}
	defer srv.Stop()
	a.log.Info("serving fields", "addr", bound.String())

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	a.log.Info("shutting down", "fields", len(srv.Names()))
	return nil
}
