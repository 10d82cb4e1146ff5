package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	config string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cronkeeper",
		Short:         "cronkeeper - a persistent job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "./config.json", "path to config file (json or yaml)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newNextCommand())
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}
