package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkit-go/composeenv/config"
	"github.com/tkit-go/composeenv/dbimport"
	"github.com/tkit-go/composeenv/engine"
	"github.com/tkit-go/composeenv/engine/dockerutil"
	"github.com/tkit-go/composeenv/environment"
)

const stopTimeout = 30 * time.Second

func newUpCommand(a *app) *cobra.Command {
	var data []string
	cmd := &cobra.Command{
		Use:   "up [manifest]",
		Short: "Start the environment and block until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.opts.ManifestPath(manifestArg(args))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.up(ctx, cmd.OutOrStdout(), path, data)
		},
	}
	cmd.Flags().StringSliceVar(&data, "data", nil, "data sets imported after start, the first with cleanBefore, and torn down on stop")
	return cmd
}

func (a *app) up(ctx context.Context, out io.Writer, path string, data []string) (err error) {
	env := environment.New(engine.NewDocker(a.logger),
		environment.WithOptions(a.opts),
		environment.WithLogger(a.logger),
	)
	if err := env.Load(path); err != nil {
		return err
	}

	defer func() {
		if env.State() != environment.Running {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		err = errors.Join(err, env.Stop(stopCtx))
	}()

	if err := env.Start(ctx); err != nil {
		if engine.IsUnavailable(err) {
			a.logger.Error("cannot reach docker", "docker_host", dockerutil.Host())
		}
		return err
	}
	printValues(out, env.Overlay())

	importer := dbimport.New(a.opts.DBImportURL, a.opts.Resources...)
	importer.Logger = a.logger
	for i, set := range data {
		if err := importer.Import(ctx, set, i == 0); err != nil {
			return err
		}
	}
	defer func() {
		for _, set := range data {
			if tdErr := importer.Teardown(context.Background(), set); tdErr != nil {
				a.logger.Warn("teardown failed", "data", set, "error", tdErr)
			}
		}
	}()

	a.logger.Info("environment ready, interrupt to stop", "manifest", path)
	<-ctx.Done()
	return nil
}

func printValues(w io.Writer, o *config.Overlay) {
	values := o.Values()
	for _, k := range o.Keys() {
		fmt.Fprintf(w, "%s=%s\n", k, values[k])
	}
}
