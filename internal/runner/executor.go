package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	"github.com/pipeline-runner/pipeline-runner/internal/docker"
	"github.com/pipeline-runner/pipeline-runner/internal/project"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// defaultMaxTime bounds a step that declares no max-time, in minutes.
const defaultMaxTime = 120

// containerHome is where $HOME-rooted cache paths resolve; steps run as
// root unless the image overrides run-as-user.
const containerHome = "/root"

// StepRun is a fully resolved step scheduled for execution.
type StepRun struct {
	Step       *config.Step
	GroupIndex int
	StepIndex  int

	// ParallelCount is zero for sequential steps.
	ParallelIndex int
	ParallelCount int

	StepID string
	UUID   string

	// PipelineVars carries the validated pipeline and user variables.
	PipelineVars *VariableSet
}

// Executor runs one step to completion. Execute never returns an error
// across its boundary; failures are captured in the StepResult.
type Executor struct {
	ctx      *Context
	runtime  Runtime
	volumes  *VolumeManager
	services *ServiceRuntime
	log      zerolog.Logger
}

// NewExecutor creates an executor bound to the run context.
func NewExecutor(ctx *Context) *Executor {
	volumes := NewVolumeManager(ctx)
	return &Executor{
		ctx:      ctx,
		runtime:  ctx.Runtime,
		volumes:  volumes,
		services: NewServiceRuntime(ctx, volumes),
		log:      ctx.Logger,
	}
}

// Execute runs the step lifecycle and returns its result.
func (e *Executor) Execute(ctx context.Context, run *StepRun) *StepResult {
	result := &StepResult{
		StepID:    run.StepID,
		Name:      run.Step.Name,
		StartedAt: e.ctx.Now(),
		Caches:    map[string]string{},
	}

	err := e.execute(ctx, run, result)
	result.EndedAt = e.ctx.Now()

	if err != nil {
		e.captureFailure(result, err)
		fmt.Fprintf(e.ctx.Output, "Step '%s' failed: %s\n", run.Step.Name, result.FailureReason)
	}

	if stepDir, dirErr := e.ctx.StepDir(run.StepID); dirErr == nil {
		if persistErr := result.Persist(stepDir); persistErr != nil {
			e.log.Warn().Err(persistErr).Str("step", run.StepID).Msg("failed to persist step result")
		}
	}

	return result
}

func (e *Executor) execute(ctx context.Context, run *StepRun, result *StepResult) error {
	step := run.Step

	stepDir, err := e.ctx.StepDir(run.StepID)
	if err != nil {
		return runnererrors.NewInternalError(err)
	}

	// Prepare: build directory with project source, then prior artifacts.
	buildDir, err := e.volumes.BuildDir(run.StepID)
	if err != nil {
		return runnererrors.NewInternalError(err)
	}
	if err := project.CopySource(e.ctx.Project.Root, buildDir); err != nil {
		return runnererrors.NewInternalError(fmt.Errorf("copy project source: %w", err))
	}
	if step.Artifacts.DownloadEnabled() {
		if err := e.RehydrateArtifacts(e.ctx.ArtifactStoreDir(), buildDir); err != nil {
			return runnererrors.NewInternalError(fmt.Errorf("rehydrate artifacts: %w", err))
		}
	}

	caches, err := e.resolveCaches(step)
	if err != nil {
		return err
	}

	serviceNames := e.serviceNames(step)

	containerLogFile, err := os.OpenFile(filepath.Join(stepDir, "container.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return runnererrors.NewInternalError(err)
	}
	defer containerLogFile.Close()
	containerLog := e.ctx.Masker.Wrap(containerLogFile)
	serviceLogs := io.MultiWriter(e.ctx.Output, containerLog)

	services, err := e.services.Start(ctx, run, serviceNames, serviceLogs)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := cleanupContext(e.ctx.GracePeriod)
		defer cancel()
		e.services.Stop(stopCtx, services)
	}()

	env, err := e.assembleEnv(run, services)
	if err != nil {
		return err
	}

	containerID, err := e.launchStep(ctx, run, buildDir, services, env)
	if err != nil {
		return err
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		_ = e.runtime.StreamLogs(ctx, containerID, containerLog)
	}()
	defer func() {
		e.removeStepContainer(containerID)
		select {
		case <-logsDone:
		case <-time.After(2 * time.Second):
		}
	}()

	for _, c := range caches {
		if err := e.RestoreCache(ctx, containerID, c.hostDir, c.containerPath); err != nil {
			e.log.Warn().Err(err).Str("cache", c.name).Msg("failed to restore cache")
		}
	}

	if e.ctx.EnableSSH {
		installSSH := "mkdir -p ~/.ssh && cp " + SSHDir + "/config ~/.ssh/config"
		if _, err := e.runtime.Exec(ctx, containerID, []string{"/bin/sh", "-c", installSSH}, nil, io.Discard); err != nil {
			return runnererrors.NewInternalError(fmt.Errorf("install ssh config: %w", err))
		}
	}

	exitCode, scriptErr := e.runScript(ctx, run, containerID, stepDir)
	result.ExitCode = exitCode

	// The after-script and the resource phases below run even after
	// cancellation, on a bounded best-effort context.
	phaseCtx := ctx
	if ctx.Err() != nil {
		var cancelPhase context.CancelFunc
		phaseCtx, cancelPhase = cleanupContext(e.ctx.GracePeriod)
		defer cancelPhase()
	}

	if len(step.AfterScript) > 0 {
		e.runAfterScript(phaseCtx, run, containerID, stepDir, exitCode)
	}

	// Artifacts land in the step's own output tree, then feed the run-wide
	// store that later steps rehydrate from.
	stepArtifacts := filepath.Join(stepDir, "artifacts")
	result.Artifacts = e.CollectArtifacts(step.Artifacts.Paths, buildDir, stepArtifacts)
	if len(result.Artifacts) > 0 {
		if err := e.RehydrateArtifacts(stepArtifacts, e.ctx.ArtifactStoreDir()); err != nil {
			e.log.Warn().Err(err).Msg("failed to stage artifacts for later steps")
		}
	}

	for _, c := range caches {
		persisted, err := e.PersistCache(phaseCtx, containerID, c.containerPath, c.hostDir)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("cache", c.name).Msg("failed to persist cache")
		case !persisted:
			e.log.Warn().Str("cache", c.name).Str("path", c.containerPath).Msg("cache path does not exist, nothing to cache")
		default:
			result.Caches[c.name] = c.key
		}
	}

	if scriptErr != nil {
		return scriptErr
	}
	if exitCode != 0 {
		return runnererrors.NewScriptFailureError(exitCode)
	}
	return nil
}

type resolvedCache struct {
	name          string
	key           string
	hostDir       string
	containerPath string
}

// resolveCaches maps the step's cache names onto host directories. Unknown
// cache names are skipped with a warning; a missing key file is fatal. The
// docker cache is handled by the service runtime as a named volume.
func (e *Executor) resolveCaches(step *config.Step) ([]resolvedCache, error) {
	var out []resolvedCache
	for _, name := range step.Caches {
		if name == config.DockerServiceName {
			continue
		}
		def, ok := e.ctx.Document.CacheDefinition(name)
		if !ok {
			e.log.Warn().Str("cache", name).Msg("cache is not defined, skipping")
			continue
		}

		key, err := DeriveCacheKey(def, name, e.ctx.Project.Root)
		if err != nil {
			return nil, err
		}
		hostDir, err := e.volumes.CacheDir(name, key)
		if err != nil {
			return nil, runnererrors.NewInternalError(err)
		}
		out = append(out, resolvedCache{
			name:          name,
			key:           key,
			hostDir:       hostDir,
			containerPath: ExpandContainerPath(def.Path, containerHome),
		})
	}
	return out, nil
}

// serviceNames returns the step's services, adding the docker service when
// the document enables docker for every step.
func (e *Executor) serviceNames(step *config.Step) []string {
	names := append([]string(nil), step.Services...)
	if e.ctx.Document.Options.Docker && !contains(names, config.DockerServiceName) {
		names = append(names, config.DockerServiceName)
	}
	return names
}

// assembleEnv builds the step environment per the precedence contract.
func (e *Executor) assembleEnv(run *StepRun, services *ServiceSet) (*VariableSet, error) {
	step := run.Step
	vars := NewVariableSet()

	for _, v := range e.ctx.systemVariables() {
		vars.Put(v)
	}
	vars.Put(Variable{Name: "BITBUCKET_STEP_UUID", Value: "{" + run.UUID + "}", Origin: OriginSystem})
	if run.ParallelCount > 0 {
		vars.Put(Variable{Name: "BITBUCKET_PARALLEL_STEP", Value: fmt.Sprintf("%d", run.ParallelIndex), Origin: OriginSystem})
		vars.Put(Variable{Name: "BITBUCKET_PARALLEL_STEP_COUNT", Value: fmt.Sprintf("%d", run.ParallelCount), Origin: OriginSystem})
	}
	if step.Deployment != "" {
		vars.Put(Variable{Name: "BITBUCKET_DEPLOYMENT_ENVIRONMENT", Value: step.Deployment, Origin: OriginSystem})
		if e.ctx.DeploymentVariables != nil {
			for name, value := range e.ctx.DeploymentVariables(step.Deployment) {
				vars.Put(Variable{Name: name, Value: value, Origin: OriginDeployment, Secret: true})
			}
		}
	}

	if run.PipelineVars != nil {
		for _, v := range run.PipelineVars.vars {
			vars.Put(v)
		}
	}

	for name, value := range step.Variables {
		vars.Put(Variable{Name: name, Value: value, Origin: OriginStepLocal})
	}

	if step.OIDC {
		if e.ctx.OIDC == nil {
			return nil, runnererrors.NewInternalError(errors.New("step requested oidc but no signer is configured"))
		}
		token, err := e.ctx.OIDC.Token(e.ctx, run)
		if err != nil {
			return nil, runnererrors.NewInternalError(fmt.Errorf("sign oidc token: %w", err))
		}
		vars.Put(Variable{Name: "BITBUCKET_STEP_OIDC_TOKEN", Value: token, Origin: OriginOIDC, Secret: true})
	}

	for _, extra := range services.Env {
		if name, value, ok := strings.Cut(extra, "="); ok {
			vars.Put(Variable{Name: name, Value: value, Origin: OriginSystem})
		}
	}

	for _, secret := range vars.SecretValues() {
		e.ctx.Masker.Add(secret)
	}

	return vars, nil
}

// launchStep creates and starts the step container with a keep-alive
// command; the script itself runs through exec so the container survives for
// the after-script and cache collection.
func (e *Executor) launchStep(ctx context.Context, run *StepRun, buildDir string, services *ServiceSet, env *VariableSet) (string, error) {
	step := run.Step

	imageSpec := step.Image
	if imageSpec == nil {
		imageSpec = e.ctx.Document.Image
	}
	if imageSpec == nil {
		imageSpec = &config.Image{Name: config.DefaultStepImage}
	}

	// The platform override applies only to pipeline-step images.
	localRef, err := e.ctx.Images.Ensure(ctx, docker.ImageRequest{
		Ref:      imageSpec.Name,
		Auth:     registryAuth(imageSpec),
		Platform: e.ctx.Platform,
	})
	if err != nil {
		return "", err
	}

	user := "0"
	if imageSpec.RunAsUser != nil {
		user = fmt.Sprintf("%d", *imageSpec.RunAsUser)
	}

	spec := docker.ContainerSpec{
		Name:       run.StepID + "-" + e.ctx.ContainerSuffix(),
		Image:      localRef,
		Command:    []string{"/bin/sh", "-c", "sleep 2147483647"},
		WorkingDir: CloneDir,
		User:       user,
		Env:        env.Environ(),
		Labels:     e.ctx.Labels(run.StepID),
		Platform:   e.ctx.Platform,
		Mounts: []docker.Mount{
			{Source: buildDir, Target: CloneDir},
		},
		NetworkMode: services.NetworkMode,
		Network:     services.NetworkID,
	}

	if e.ctx.EnableSSH {
		material, err := e.volumes.SSHMaterialDir()
		if err != nil {
			return "", runnererrors.NewInternalError(err)
		}
		spec.Mounts = append(spec.Mounts, docker.Mount{Source: material.HostDir, Target: SSHDir, ReadOnly: true})
	}
	if e.ctx.ForwardSSHAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			spec.Mounts = append(spec.Mounts, docker.Mount{Source: sock, Target: SSHAgentSock})
			spec.Env = append(spec.Env, "SSH_AUTH_SOCK="+SSHAgentSock)
		}
	}
	if services.SocketVolume != "" {
		spec.Mounts = append(spec.Mounts, docker.Mount{Source: services.SocketVolume, Target: "/var/run", Volume: true})
	}
	for _, v := range e.ctx.Volumes {
		spec.Mounts = append(spec.Mounts, docker.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}

	if e.ctx.CPULimits {
		size := step.SizeMultiplier()
		if size > e.ctx.MaxSize {
			size = e.ctx.MaxSize
		}
		spec.NanoCPUs = int64(size) * 1_000_000_000
		spec.MemoryLimit = int64(size) * 4 * 1024 * 1024 * 1024
	}

	containerID, err := e.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := e.runtime.StartContainer(ctx, containerID); err != nil {
		return "", runnererrors.NewContainerStartError(spec.Name, err)
	}
	return containerID, nil
}

// runScript executes the user script inside the container, honouring
// breakpoints and the step timeout, and returns the script exit code.
func (e *Executor) runScript(ctx context.Context, run *StepRun, containerID, stepDir string) (int, error) {
	step := run.Step

	maxTime := step.MaxTime
	if maxTime == 0 {
		maxTime = e.ctx.Document.Options.MaxTime
	}
	if maxTime == 0 {
		maxTime = defaultMaxTime
	}
	scriptCtx, cancel := context.WithTimeout(ctx, time.Duration(maxTime)*time.Minute)
	defer cancel()

	logFile, err := os.OpenFile(filepath.Join(stepDir, "script.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 1, runnererrors.NewInternalError(err)
	}
	defer logFile.Close()

	terminal := newPrefixWriter(e.ctx.Output, "["+step.Name+"] ")
	defer terminal.Flush()
	output := io.MultiWriter(terminal, e.ctx.Masker.Wrap(logFile))

	segments := SplitOnBreakpoints(step.Script)
	if !e.ctx.Interactive() && len(segments) > 1 {
		// Without a terminal breakpoints are a no-op: run it all at once.
		segments = [][]string{flatten(segments)}
	}

	for i, segment := range segments {
		if i > 0 {
			if err := e.ctx.Prompter.Pause("Breakpoint hit — press enter to resume"); err != nil {
				return 1, runnererrors.NewCancelledError(err)
			}
		}
		if len(segment) == 0 {
			continue
		}

		program := GenerateScript(segment)
		if err := e.runtime.WriteContainerFile(scriptCtx, containerID, scriptPath, []byte(program), 0o755); err != nil {
			return 1, runnererrors.NewInternalError(fmt.Errorf("install script: %w", err))
		}

		res, err := e.runtime.Exec(scriptCtx, containerID, []string{"/bin/sh", scriptPath}, nil, output)
		if err != nil {
			if scriptCtx.Err() != nil {
				return 1, runnererrors.NewCancelledError(scriptCtx.Err())
			}
			return 1, runnererrors.NewInternalError(fmt.Errorf("run script: %w", err))
		}
		if res.ExitCode != 0 {
			return res.ExitCode, nil
		}
	}

	return 0, nil
}

// runAfterScript runs the after-script with BITBUCKET_EXIT_CODE exported.
// Its exit code never affects the step outcome.
func (e *Executor) runAfterScript(ctx context.Context, run *StepRun, containerID, stepDir string, exitCode int) {
	logFile, err := os.OpenFile(filepath.Join(stepDir, "after-script.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to open after-script log")
		return
	}
	defer logFile.Close()

	terminal := newPrefixWriter(e.ctx.Output, "["+run.Step.Name+"] ")
	defer terminal.Flush()
	output := io.MultiWriter(terminal, e.ctx.Masker.Wrap(logFile))

	program := GenerateScript(run.Step.AfterScript)
	if err := e.runtime.WriteContainerFile(ctx, containerID, afterScriptPath, []byte(program), 0o755); err != nil {
		e.log.Warn().Err(err).Msg("failed to install after-script")
		return
	}

	env := []string{fmt.Sprintf("BITBUCKET_EXIT_CODE=%d", exitCode)}
	res, err := e.runtime.Exec(ctx, containerID, []string{"/bin/sh", afterScriptPath}, env, output)
	if err != nil {
		e.log.Warn().Err(err).Msg("after-script did not run")
		return
	}
	if res.ExitCode != 0 {
		e.log.Warn().Err(runnererrors.NewAfterScriptFailureError(res.ExitCode)).Msg("after-script failed")
	}
}

func (e *Executor) removeStepContainer(containerID string) {
	ctx, cancel := cleanupContext(e.ctx.GracePeriod)
	defer cancel()
	if err := e.runtime.StopContainer(ctx, containerID, e.ctx.GracePeriod); err != nil {
		e.log.Warn().Err(err).Str("container", containerID).Msg("failed to stop step container")
	}
	if err := e.runtime.RemoveContainer(ctx, containerID); err != nil {
		e.log.Warn().Err(err).Str("container", containerID).Msg("failed to remove step container")
	}
}

// captureFailure folds an execution error into the result.
func (e *Executor) captureFailure(result *StepResult, err error) {
	if result.ExitCode == 0 {
		result.ExitCode = 1
	}

	var (
		pullErr      *runnererrors.ImagePullError
		notFoundErr  *runnererrors.ImageNotFoundError
		startErr     *runnererrors.ContainerStartError
		serviceErr   *runnererrors.ServiceNotReadyError
		scriptErr    *runnererrors.ScriptFailureError
		cacheKeyErr  *runnererrors.CacheKeyMissingFileError
		cancelledErr *runnererrors.CancelledError
	)
	switch {
	case errors.As(err, &scriptErr):
		result.FailureReason = ReasonScriptFailure
		result.ExitCode = scriptErr.ExitCode
	case errors.As(err, &pullErr):
		result.FailureReason = ReasonImagePull
	case errors.As(err, &notFoundErr):
		result.FailureReason = ReasonImageNotFound
	case errors.As(err, &startErr):
		result.FailureReason = ReasonContainerStart
	case errors.As(err, &serviceErr):
		result.FailureReason = ReasonServiceNotReady
	case errors.As(err, &cacheKeyErr):
		result.FailureReason = ReasonCacheKeyMissing
	case errors.As(err, &cancelledErr):
		result.FailureReason = ReasonCancelled
	default:
		result.FailureReason = ReasonInternal
	}

	e.log.Error().Err(err).Str("step", result.StepID).Msg("step failed")
}

// cleanupContext returns a bounded context detached from cancellation, for
// best-effort teardown work.
func cleanupContext(grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), grace+20*time.Second)
}

func flatten(segments [][]string) []string {
	var out []string
	for _, s := range segments {
		out = append(out, s...)
	}
	return out
}
