package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	file       string
	projectDir string
	dataDir    string
	cacheDir   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "pipeline-runner",
		Short:         "pipeline-runner executes Bitbucket Pipelines locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.file, "file", "f", "bitbucket-pipelines.yml", "Path to the pipeline file, relative to the project directory")
	cmd.PersistentFlags().StringVarP(&flags.projectDir, "project-dir", "C", ".", "Project directory to run against")
	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Override the run output directory")
	cmd.PersistentFlags().StringVar(&flags.cacheDir, "cache-dir", "", "Override the cache directory")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newListCmd(flags))

	return cmd
}
