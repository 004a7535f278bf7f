package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// Mount describes a host bind or a named volume mount.
type Mount struct {
	Source   string
	Target   string
	Volume   bool
	ReadOnly bool
}

// ContainerSpec carries everything needed to create one container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Entrypoint  []string
	WorkingDir  string
	User        string
	Env         []string
	Labels      map[string]string
	Mounts      []Mount
	NetworkMode string
	Network     string
	Privileged  bool
	ExposedTCP  []string
	MemoryLimit int64
	NanoCPUs    int64
	Platform    string
}

// ContainerState reports a container's exit status.
type ContainerState struct {
	Running  bool
	ExitCode int
}

// CreateContainer creates a container from the spec and returns its id.
func (e *Engine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Env:        spec.Env,
		Labels:     spec.Labels,
	}

	host := &container.HostConfig{
		Privileged: spec.Privileged,
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	for _, m := range spec.Mounts {
		typ := mount.TypeBind
		if m.Volume {
			typ = mount.TypeVolume
		}
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if spec.NetworkMode != "" {
		host.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	if len(spec.ExposedTCP) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		host.PortBindings = nat.PortMap{}
		for _, port := range spec.ExposedTCP {
			p, err := nat.NewPort("tcp", port)
			if err != nil {
				return "", runnererrors.NewContainerStartError(spec.Name, err)
			}
			cfg.ExposedPorts[p] = struct{}{}
			host.PortBindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port}}
		}
	}

	created, err := e.api.ContainerCreate(ctx, cfg, host, nil, ParsePlatform(spec.Platform), spec.Name)
	if err != nil {
		return "", runnererrors.NewContainerStartError(spec.Name, err)
	}

	if spec.Network != "" {
		if err := e.api.NetworkConnect(ctx, spec.Network, created.ID, nil); err != nil {
			return "", runnererrors.NewContainerStartError(spec.Name, err)
		}
	}

	return created.ID, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	return e.api.ContainerStart(ctx, id, container.StartOptions{})
}

// InspectContainer returns the container's current state.
func (e *Engine) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := e.api.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, err
	}
	return ContainerState{
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}, nil
}

// WaitContainer blocks until the container stops and returns its exit code.
func (e *Engine) WaitContainer(ctx context.Context, id string) (int, error) {
	waitCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("wait on container %s: %s", id, resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, err
	}
}

// StreamLogs follows the container's stdout/stderr, demultiplexing both into
// a single ordered writer until the stream closes.
func (e *Engine) StreamLogs(ctx context.Context, id string, output io.Writer) error {
	logs, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(output, output, logs); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL after the grace
// period.
func (e *Engine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	return e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
}

// KillContainer force-kills the container.
func (e *Engine) KillContainer(ctx context.Context, id string) error {
	return e.api.ContainerKill(ctx, id, "SIGKILL")
}

// RemoveContainer removes the container together with its anonymous volumes.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	return e.api.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

// ExecResult reports a finished exec invocation.
type ExecResult struct {
	ExitCode int
}

// Exec runs a command inside a running container, streaming demultiplexed
// output into the writer, and returns the command's exit code.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string, env []string, output io.Writer) (ExecResult, error) {
	created, err := e.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, err
	}

	attached, err := e.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, err
	}
	defer attached.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(output, output, attached.Reader)
		copyDone <- copyErr
	}()

	select {
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return ExecResult{}, err
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	inspect, err := e.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: inspect.ExitCode}, nil
}

// WriteContainerFile places a single file at dst inside the container.
func (e *Engine) WriteContainerFile(ctx context.Context, id, dst string, content []byte, mode int64) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(dst),
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return e.api.CopyToContainer(ctx, id, path.Dir(dst), &buf, container.CopyToContainerOptions{})
}

// UploadToContainer streams a tar archive into the container at dst.
func (e *Engine) UploadToContainer(ctx context.Context, id, dst string, archive io.Reader) error {
	return e.api.CopyToContainer(ctx, id, dst, archive, container.CopyToContainerOptions{})
}

// DownloadFromContainer fetches src from the container as a tar stream. The
// caller must close the reader.
func (e *Engine) DownloadFromContainer(ctx context.Context, id, src string) (io.ReadCloser, error) {
	rc, _, err := e.api.CopyFromContainer(ctx, id, src)
	return rc, err
}

// PathExists reports whether a path exists inside the container.
func (e *Engine) PathExists(ctx context.Context, id, target string) (bool, error) {
	_, err := e.api.ContainerStatPath(ctx, id, target)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
