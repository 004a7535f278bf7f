package docker

import (
	"context"
	"io"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/term"

	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

var ecrHostPattern = regexp.MustCompile(`^\d+\.dkr\.ecr\.[a-z0-9-]+\.amazonaws\.com$`)

// RegistryAuth carries transient credentials for a single pull.
type RegistryAuth struct {
	Username string
	Password string
}

// CredentialsFunc resolves registry credentials for a host; it is consulted
// for ECR hosts only. A nil or none-returning func leaves the pull anonymous.
type CredentialsFunc func(ctx context.Context, host string) (*RegistryAuth, error)

// ImageRequest names an image together with pull credentials and an optional
// platform override.
type ImageRequest struct {
	Ref      string
	Auth     *RegistryAuth
	Platform string
}

// ImageService ensures local availability of images. Concurrent Ensure calls
// for the same (reference, platform) coalesce to a single pull.
type ImageService struct {
	engine      *Engine
	credentials CredentialsFunc
	output      io.Writer

	mu       sync.Mutex
	inflight map[string]*pullState
}

type pullState struct {
	done chan struct{}
	ref  string
	err  error
}

// NewImageService constructs an ImageService writing pull progress to output.
func NewImageService(engine *Engine, credentials CredentialsFunc, output io.Writer) *ImageService {
	if output == nil {
		output = io.Discard
	}
	return &ImageService{
		engine:      engine,
		credentials: credentials,
		output:      output,
		inflight:    make(map[string]*pullState),
	}
}

// Ensure acquires a runnable local reference for the requested image,
// pulling it when absent.
func (s *ImageService) Ensure(ctx context.Context, req ImageRequest) (string, error) {
	named, err := reference.ParseNormalizedNamed(req.Ref)
	if err != nil {
		return "", runnererrors.NewImageNotFoundError(req.Ref, err)
	}
	localRef := reference.FamiliarString(reference.TagNameOnly(named))

	key := localRef + "|" + req.Platform

	s.mu.Lock()
	if state, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-state.done:
			return state.ref, state.err
		case <-ctx.Done():
			return "", runnererrors.NewCancelledError(ctx.Err())
		}
	}
	state := &pullState{done: make(chan struct{})}
	s.inflight[key] = state
	s.mu.Unlock()

	state.ref, state.err = s.ensure(ctx, localRef, named, req)
	close(state.done)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	return state.ref, state.err
}

func (s *ImageService) ensure(ctx context.Context, localRef string, named reference.Named, req ImageRequest) (string, error) {
	if _, _, err := s.engine.api.ImageInspectWithRaw(ctx, localRef); err == nil {
		return localRef, nil
	}

	opts := image.PullOptions{Platform: req.Platform}

	auth := req.Auth
	if auth == nil {
		if host := reference.Domain(named); IsECRHost(host) && s.credentials != nil {
			resolved, err := s.credentials(ctx, host)
			if err != nil {
				return "", runnererrors.NewImagePullError(localRef, err)
			}
			auth = resolved
		}
	}
	if auth != nil {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: auth.Username,
			Password: auth.Password,
		})
		if err != nil {
			return "", runnererrors.NewImagePullError(localRef, err)
		}
		opts.RegistryAuth = encoded
	}

	s.engine.log.Info().Str("image", localRef).Msg("pulling image")
	rc, err := s.engine.api.ImagePull(ctx, localRef, opts)
	if err != nil {
		return "", classifyPullError(localRef, err)
	}
	defer rc.Close()

	fd, isTerminal := outputDescriptor(s.output)
	if err := jsonmessage.DisplayJSONMessagesStream(rc, s.output, fd, isTerminal, nil); err != nil {
		return "", classifyPullError(localRef, err)
	}

	return localRef, nil
}

// ImageExposedPorts lists the TCP ports an image declares via EXPOSE.
func (e *Engine) ImageExposedPorts(ctx context.Context, ref string) ([]string, error) {
	info, _, err := e.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	if info.Config == nil {
		return nil, nil
	}
	var ports []string
	for port := range info.Config.ExposedPorts {
		if port.Proto() == "tcp" {
			ports = append(ports, port.Port())
		}
	}
	sort.Strings(ports)
	return ports, nil
}

// IsECRHost reports whether the registry host is an AWS ECR endpoint.
func IsECRHost(host string) bool {
	return ecrHostPattern.MatchString(host)
}

func classifyPullError(ref string, err error) error {
	if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) {
		return runnererrors.NewImageNotFoundError(ref, err)
	}
	return runnererrors.NewImagePullError(ref, err)
}

func outputDescriptor(w io.Writer) (uintptr, bool) {
	if f, ok := w.(*os.File); ok {
		return f.Fd(), term.IsTerminal(int(f.Fd()))
	}
	return 0, false
}

// ParsePlatform converts an "os/arch" override into an OCI platform value.
func ParsePlatform(platform string) *ocispec.Platform {
	if platform == "" {
		return nil
	}
	p := ocispec.Platform{OS: platform}
	for i := 0; i < len(platform); i++ {
		if platform[i] == '/' {
			p.OS = platform[:i]
			p.Architecture = platform[i+1:]
			break
		}
	}
	return &p
}
