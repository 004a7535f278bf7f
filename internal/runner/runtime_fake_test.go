package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipeline-runner/pipeline-runner/internal/docker"
)

// execCall records one Exec invocation against the fake runtime.
type execCall struct {
	ContainerID string
	Cmd         []string
	Env         []string
}

// fakeRuntime is an in-memory Runtime for executor and coordinator tests.
type fakeRuntime struct {
	mu sync.Mutex

	created         []docker.ContainerSpec
	ids             map[string]docker.ContainerSpec
	started         []string
	stopped         []string
	removed         []string
	networksCreated []string
	networksRemoved []string
	volumesCreated  []string
	volumesRemoved  []string
	execs           []execCall
	files           map[string][]byte

	// execFn decides the exit code for each exec; default exits 0.
	execFn func(call execCall, output io.Writer) int
	// pathExists answers PathExists; default false.
	pathExists map[string]bool
	// exposedPorts answers ImageExposedPorts per image reference.
	exposedPorts map[string][]string
	// notRunning marks containers that report as exited.
	notRunning map[string]bool

	createErr error
	startErr  error

	nextID int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		ids:          make(map[string]docker.ContainerSpec),
		files:        make(map[string][]byte),
		pathExists:   make(map[string]bool),
		exposedPorts: make(map[string][]string),
		notRunning:   make(map[string]bool),
	}
}

var _ Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.created = append(f.created, spec)
	f.ids[id] = spec
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notRunning[id] {
		return docker.ContainerState{Running: false, ExitCode: 1}, nil
	}
	return docker.ContainerState{Running: true}, nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, id string, output io.Writer) error {
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) KillContainer(ctx context.Context, id string) error {
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd, env []string, output io.Writer) (docker.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return docker.ExecResult{}, err
	}
	call := execCall{ContainerID: id, Cmd: cmd, Env: env}
	f.mu.Lock()
	f.execs = append(f.execs, call)
	fn := f.execFn
	f.mu.Unlock()

	if fn == nil {
		return docker.ExecResult{}, nil
	}
	return docker.ExecResult{ExitCode: fn(call, output)}, nil
}

func (f *fakeRuntime) WriteContainerFile(ctx context.Context, id, dst string, content []byte, mode int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[dst] = append([]byte(nil), content...)
	return nil
}

func (f *fakeRuntime) UploadToContainer(ctx context.Context, id, dst string, archive io.Reader) error {
	_, err := io.Copy(io.Discard, archive)
	return err
}

func (f *fakeRuntime) DownloadFromContainer(ctx context.Context, id, src string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.Close()
	return io.NopCloser(&buf), nil
}

func (f *fakeRuntime) PathExists(ctx context.Context, id, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pathExists[target], nil
}

func (f *fakeRuntime) ImageExposedPorts(ctx context.Context, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposedPorts[ref], nil
}

func (f *fakeRuntime) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networksCreated = append(f.networksCreated, name)
	return "net-" + name, nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networksRemoved = append(f.networksRemoved, id)
	return nil
}

func (f *fakeRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumesCreated = append(f.volumesCreated, name)
	return nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumesRemoved = append(f.volumesRemoved, name)
	return nil
}

// execCalls returns a copy of the recorded exec invocations.
func (f *fakeRuntime) execCalls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.execs...)
}

// fakeImages resolves every request to its own reference.
type fakeImages struct {
	mu       sync.Mutex
	requests []docker.ImageRequest
	err      error
}

var _ ImageEnsurer = (*fakeImages)(nil)

func (f *fakeImages) Ensure(ctx context.Context, req docker.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return req.Ref, nil
}

// nopLogger silences run logging in tests.
func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
