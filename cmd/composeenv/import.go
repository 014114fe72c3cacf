package main

import (
	"github.com/spf13/cobra"

	"github.com/tkit-go/composeenv/dbimport"
)

func newImportCommand(a *app) *cobra.Command {
	var clean, teardown bool
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import Excel or CSV data sets into the data-import service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := dbimport.New(a.opts.DBImportURL, a.opts.Resources...)
			c.Logger = a.logger
			for _, path := range args {
				var err error
				if teardown {
					err = c.Teardown(cmd.Context(), path)
				} else {
					err = c.Import(cmd.Context(), path, clean)
				}
				if err != nil {
					return err
				}
				a.logger.Info("data set processed", "path", path, "teardown", teardown)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "clean the tables before importing")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "remove the data sets instead of importing them")
	return cmd
}
