package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	"github.com/pipeline-runner/pipeline-runner/internal/docker"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// serviceSettleWindow is how long a service container must stay running to
// count as ready. No TCP probes are performed; scripts are expected to retry.
const serviceSettleWindow = time.Second

// ServiceHandle tracks one started service container.
type ServiceHandle struct {
	Name        string
	ContainerID string
	Docker      bool

	logDone chan struct{}
}

// ServiceSet is everything the step container needs to join its services.
type ServiceSet struct {
	Handles   []ServiceHandle
	NetworkID string
	// NetworkMode is set when the step must join a single service's
	// network namespace (container:<id>).
	NetworkMode string
	// SocketVolume carries the docker-in-docker daemon socket, when any.
	SocketVolume string
	// Env holds extra step environment contributed by services.
	Env []string
}

// ServiceRuntime starts, health-gates, log-captures and tears down sidecar
// service containers for a step.
type ServiceRuntime struct {
	ctx     *Context
	volumes *VolumeManager
}

// NewServiceRuntime creates a service runtime bound to the run context.
func NewServiceRuntime(ctx *Context, volumes *VolumeManager) *ServiceRuntime {
	return &ServiceRuntime{ctx: ctx, volumes: volumes}
}

// Start launches every requested service and returns once each one is ready.
// With exactly one service the step container later joins its network
// namespace; with several, a per-step bridge network is created and service
// ports are published on localhost.
func (r *ServiceRuntime) Start(ctx context.Context, run *StepRun, names []string, logs io.Writer) (*ServiceSet, error) {
	set := &ServiceSet{}
	if len(names) == 0 {
		return set, nil
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	if len(sorted) > 1 {
		networkName := "pipeline-runner-" + run.StepID
		networkID, err := r.ctx.Runtime.CreateNetwork(ctx, networkName, r.ctx.Labels(run.StepID))
		if err != nil {
			return nil, runnererrors.NewInternalError(fmt.Errorf("create step network: %w", err))
		}
		set.NetworkID = networkID
	}

	for _, name := range sorted {
		handle, env, err := r.startService(ctx, run, name, set, logs)
		if handle != nil {
			// Track the container even on failure so Stop can reclaim it.
			set.Handles = append(set.Handles, *handle)
		}
		if err != nil {
			r.Stop(context.WithoutCancel(ctx), set)
			return nil, err
		}
		set.Env = append(set.Env, env...)
	}

	if len(set.Handles) == 1 {
		set.NetworkMode = "container:" + set.Handles[0].ContainerID
	}

	return set, nil
}

func (r *ServiceRuntime) startService(ctx context.Context, run *StepRun, name string, set *ServiceSet, logs io.Writer) (*ServiceHandle, []string, error) {
	def, err := r.ctx.Document.ServiceDefinition(name)
	if err != nil {
		return nil, nil, err
	}

	imageSpec := def.Image
	if imageSpec == nil {
		return nil, nil, runnererrors.NewInvalidStepError(run.Step.Name, "service image", name)
	}

	// The platform override applies to step images only, never services.
	localRef, err := r.ctx.Images.Ensure(ctx, docker.ImageRequest{
		Ref:  imageSpec.Name,
		Auth: registryAuth(imageSpec),
	})
	if err != nil {
		return nil, nil, err
	}

	spec := docker.ContainerSpec{
		Name:   fmt.Sprintf("%s-%s-%s", run.StepID, name, r.ctx.ContainerSuffix()),
		Image:  localRef,
		Env:    environFromMap(def.Variables),
		Labels: r.ctx.Labels(run.StepID),
	}
	if def.Memory > 0 {
		spec.MemoryLimit = int64(def.Memory) * 1024 * 1024
	}
	if set.NetworkID != "" {
		// On a shared network services are reached through ports published
		// on localhost, never by their service name.
		spec.Network = set.NetworkID
		ports, err := r.ctx.Runtime.ImageExposedPorts(ctx, localRef)
		if err != nil {
			return nil, nil, runnererrors.NewServiceNotReadyError(name, err.Error())
		}
		spec.ExposedTCP = ports
	}

	var extraEnv []string
	isDocker := name == config.DockerServiceName || def.Type == "docker"
	if isDocker {
		socketVolume, err := r.volumes.DockerSocketVolume(ctx, run.StepID)
		if err != nil {
			return nil, nil, runnererrors.NewInternalError(err)
		}
		set.SocketVolume = socketVolume

		spec.Privileged = true
		spec.Mounts = append(spec.Mounts, docker.Mount{Source: socketVolume, Target: "/var/run", Volume: true})
		// Point the daemon at the shared socket and disable TLS so the
		// step can talk to it without certificates.
		spec.Env = append(spec.Env, "DOCKER_TLS_CERTDIR=")

		if contains(run.Step.Caches, config.DockerServiceName) {
			cacheVolume, err := r.volumes.DockerCacheVolume(ctx)
			if err != nil {
				return nil, nil, runnererrors.NewInternalError(err)
			}
			spec.Mounts = append(spec.Mounts, docker.Mount{Source: cacheVolume, Target: "/var/lib/docker", Volume: true})
		}

		extraEnv = append(extraEnv, "DOCKER_HOST=unix://"+DockerSocket)
	}

	id, err := r.ctx.Runtime.CreateContainer(ctx, spec)
	if err != nil {
		return nil, nil, runnererrors.NewServiceNotReadyError(name, err.Error())
	}
	handle := &ServiceHandle{Name: name, ContainerID: id, Docker: isDocker, logDone: make(chan struct{})}

	if err := r.ctx.Runtime.StartContainer(ctx, id); err != nil {
		return handle, nil, runnererrors.NewServiceNotReadyError(name, err.Error())
	}

	go func() {
		defer close(handle.logDone)
		prefixed := newPrefixWriter(logs, "["+name+"] ")
		_ = r.ctx.Runtime.StreamLogs(ctx, id, prefixed)
		_ = prefixed.Flush()
	}()

	if err := r.awaitReady(ctx, name, id); err != nil {
		return handle, nil, err
	}

	return handle, extraEnv, nil
}

// awaitReady gates on the container surviving the settle window in the
// running state.
func (r *ServiceRuntime) awaitReady(ctx context.Context, name, id string) error {
	select {
	case <-time.After(serviceSettleWindow):
	case <-ctx.Done():
		return runnererrors.NewCancelledError(ctx.Err())
	}

	state, err := r.ctx.Runtime.InspectContainer(ctx, id)
	if err != nil {
		return runnererrors.NewServiceNotReadyError(name, err.Error())
	}
	if !state.Running {
		return runnererrors.NewServiceNotReadyError(name,
			fmt.Sprintf("container exited with code %d during startup", state.ExitCode))
	}
	return nil
}

// Stop captures remaining logs, then removes the service containers and the
// step network.
func (r *ServiceRuntime) Stop(ctx context.Context, set *ServiceSet) {
	if set == nil {
		return
	}

	for i := len(set.Handles) - 1; i >= 0; i-- {
		handle := set.Handles[i]
		if err := r.ctx.Runtime.StopContainer(ctx, handle.ContainerID, r.ctx.GracePeriod); err != nil {
			r.ctx.Logger.Warn().Err(err).Str("service", handle.Name).Msg("failed to stop service container")
		}
		select {
		case <-handle.logDone:
		case <-time.After(2 * time.Second):
		}
		if err := r.ctx.Runtime.RemoveContainer(ctx, handle.ContainerID); err != nil {
			r.ctx.Logger.Warn().Err(err).Str("service", handle.Name).Msg("failed to remove service container")
		}
	}

	if set.NetworkID != "" {
		if err := r.ctx.Runtime.RemoveNetwork(ctx, set.NetworkID); err != nil {
			r.ctx.Logger.Warn().Err(err).Str("network", set.NetworkID).Msg("failed to remove step network")
		}
	}
}

func environFromMap(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func registryAuth(img *config.Image) *docker.RegistryAuth {
	if img == nil || img.Username == "" {
		return nil
	}
	return &docker.RegistryAuth{Username: img.Username, Password: expandEnv(img.Password)}
}

// lookupEnv is swapped out by tests.
var lookupEnv = os.LookupEnv

// expandEnv resolves "$NAME" credential indirections against the caller's
// environment so secrets stay out of the pipeline file.
func expandEnv(value string) string {
	if len(value) > 1 && value[0] == '$' {
		if resolved, ok := lookupEnv(value[1:]); ok {
			return resolved
		}
	}
	return value
}
