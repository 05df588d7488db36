package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitlabstudio/pypispy-agent/internal/venv"
	"github.com/bitlabstudio/pypispy-agent/internal/version"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list ENVIRONMENT",
		Short: "Print the package listing of one environment without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lister := venv.NewPipLister(cfg.EnvironmentsRoot, cfg.Listing.Command, cfg.Listing.Timeout)
			listing, err := lister.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), listing)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Value())
			return err
		},
	}
}
