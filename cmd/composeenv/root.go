package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/tkit-go/composeenv/config"
)

// app holds the state shared by every subcommand after the root pre-run.
type app struct {
	configFile string
	opts       *config.Options
	logger     *slog.Logger
	logOut     io.Writer
}

func newRootCommand() *cobra.Command {
	a := &app{logOut: os.Stderr}
	d := config.Default()

	root := &cobra.Command{
		Use:           "composeenv",
		Short:         "Run compose-style test environments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./.composeenv.yaml)")
	pf.StringP("file", "f", "", "compose manifest")
	pf.Bool("integration", d.Integration, "start services in integration mode")
	pf.StringSlice("resources", d.Resources, "roots searched for volume sources")
	pf.String("dbimport-url", d.DBImportURL, "base URL of the data-import service")
	pf.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	pf.Duration("wait-timeout", d.WaitTimeout, "per-service startup timeout")
	pf.Bool("export-env", d.ExportEnv, "mirror exported values into the process environment")

	root.AddCommand(
		newUpCommand(a),
		newConfigCommand(a),
		newImportCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	opts, err := config.Load(config.LoadOptions{
		ConfigFile: a.configFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	handler := log.NewWithOptions(a.logOut, log.Options{
		Prefix:          "composeenv",
		Level:           level,
		ReportTimestamp: true,
	})
	a.opts = opts
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)
	return nil
}

func manifestArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
