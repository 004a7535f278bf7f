package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	"github.com/pipeline-runner/pipeline-runner/internal/project"
)

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pipelines defined in the pipeline file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := project.Discover(root.projectDir)
			if err != nil {
				return err
			}
			doc, err := config.ParseFile(filepath.Join(proj.Root, root.file))
			if err != nil {
				return err
			}
			for _, name := range doc.PipelineNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
