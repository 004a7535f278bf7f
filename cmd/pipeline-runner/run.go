package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	"github.com/pipeline-runner/pipeline-runner/internal/docker"
	"github.com/pipeline-runner/pipeline-runner/internal/logger"
	"github.com/pipeline-runner/pipeline-runner/internal/project"
	"github.com/pipeline-runner/pipeline-runner/internal/prompt"
	"github.com/pipeline-runner/pipeline-runner/internal/runner"
)

type runOptions struct {
	variables      []string
	envFiles       []string
	volumes        []string
	platform       string
	ssh            bool
	sshAgent       bool
	cpuLimits      bool
	cleanup        bool
	nonInteractive bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [pipeline]",
		Short: "Run a pipeline from the pipeline file",
		Long: "Run a pipeline from the pipeline file. The pipeline argument takes the\n" +
			"form 'default', 'custom:<name>', 'branches:<pattern>', 'tags:<pattern>'\n" +
			"or 'pull-requests:<pattern>'. Without an argument an interactive\n" +
			"selection is offered.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return runPipeline(root, opts, ref)
		},
	}

	cmd.Flags().StringArrayVar(&opts.variables, "var", nil, "Pipeline variable as NAME=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&opts.envFiles, "env-file", nil, "Extra .env file to load variables from (repeatable)")
	cmd.Flags().StringArrayVar(&opts.volumes, "volume", nil, "Extra bind mount as /host:/container[:ro] (repeatable)")
	cmd.Flags().StringVar(&opts.platform, "platform", "", "Platform override for step images (e.g. linux/amd64)")
	cmd.Flags().BoolVar(&opts.ssh, "ssh", false, "Mount the user's SSH key and config into steps")
	cmd.Flags().BoolVar(&opts.sshAgent, "ssh-agent", false, "Forward the SSH agent socket into steps")
	cmd.Flags().BoolVar(&opts.cpuLimits, "cpu-limits", false, "Enforce CPU and memory limits from step sizes")
	cmd.Flags().BoolVar(&opts.cleanup, "cleanup", false, "Remove build directories when the run ends")
	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Never prompt; manual steps stop the pipeline")

	return cmd
}

func runPipeline(root *rootFlags, opts runOptions, ref string) error {
	level := "info"
	if root.verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{Level: level})

	proj, err := project.Discover(root.projectDir)
	if err != nil {
		return err
	}

	doc, err := config.ParseFile(filepath.Join(proj.Root, root.file))
	if err != nil {
		return err
	}

	interactive := !opts.nonInteractive && term.IsTerminal(int(os.Stdin.Fd()))
	var prompter runner.Prompter
	if interactive {
		prompter = prompt.New()
	}

	if ref == "" {
		names := doc.PipelineNames()
		if !interactive {
			return fmt.Errorf("no pipeline selected; available: %v", names)
		}
		selected, err := prompt.New().Select("Select a pipeline", names)
		if err != nil {
			return err
		}
		ref = selected
	}
	if _, err := doc.Pipeline(ref); err != nil {
		return err
	}

	variables, err := collectVariables(proj.Root, opts.envFiles, opts.variables)
	if err != nil {
		return err
	}
	userVolumes, err := parseVolumes(opts.volumes)
	if err != nil {
		return err
	}

	engine, err := docker.NewEngine(log)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer engine.Close()

	images := docker.NewImageService(engine, ecrCredentials(), os.Stdout)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	watchSignals(stop)

	runCtx, err := runner.NewContext(runner.Options{
		Document:         doc,
		PipelineRef:      ref,
		Project:          proj,
		DataDir:          root.dataDir,
		CacheDir:         root.cacheDir,
		Runtime:          engine,
		Images:           images,
		Logger:           log,
		Output:           os.Stdout,
		Prompter:         prompter,
		UserVariables:    variables,
		Platform:         opts.platform,
		EnableSSH:        opts.ssh,
		ForwardSSHAgent:  opts.sshAgent,
		CPULimits:        opts.cpuLimits,
		CleanupBuildDirs: opts.cleanup,
		Volumes:          userVolumes,
	})
	if err != nil {
		return err
	}
	defer runCtx.Close()
	runCtx.OIDC = runner.NewOIDCSigner(runCtx.DataDir)

	log.Info().
		Str("pipeline", ref).
		Str("project", proj.Slug).
		Int("build", runCtx.BuildNumber).
		Msg("starting run")

	result, err := runner.NewCoordinator(runCtx).Run(ctx)
	if err != nil {
		return err
	}
	if result.Failed {
		return errPipelineFailed
	}

	log.Info().Str("run", result.RunID).Msg("pipeline succeeded")
	return nil
}

// watchSignals cancels the run on the first interrupt and exits immediately
// on the second.
func watchSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		<-signals
		fmt.Fprintln(os.Stderr, "forced shutdown")
		os.Exit(exitFailed)
	}()
}
