package runner

import (
	"context"
	"io"
	"time"

	"github.com/pipeline-runner/pipeline-runner/internal/docker"
)

// Runtime is the container-runtime surface the core consumes. *docker.Engine
// implements it; tests substitute a fake.
type Runtime interface {
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerState, error)
	WaitContainer(ctx context.Context, id string) (int, error)
	StreamLogs(ctx context.Context, id string, output io.Writer) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd, env []string, output io.Writer) (docker.ExecResult, error)
	WriteContainerFile(ctx context.Context, id, dst string, content []byte, mode int64) error
	UploadToContainer(ctx context.Context, id, dst string, archive io.Reader) error
	DownloadFromContainer(ctx context.Context, id, src string) (io.ReadCloser, error)
	PathExists(ctx context.Context, id, target string) (bool, error)
	ImageExposedPorts(ctx context.Context, ref string) ([]string, error)
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error
}

// ImageEnsurer resolves and ensures local availability of images.
type ImageEnsurer interface {
	Ensure(ctx context.Context, req docker.ImageRequest) (string, error)
}

// Prompter is the interactive surface for manual triggers, breakpoints and
// variable entry. A nil Prompter means the run is non-interactive.
type Prompter interface {
	Confirm(label string) (bool, error)
	Input(label string, secret bool) (string, error)
	Pause(label string) error
}
