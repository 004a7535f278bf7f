package docker

import (
	"context"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// Engine wraps the container runtime client used by the whole run. The
// client is safe for concurrent use; Engine adds no state beyond it.
type Engine struct {
	api client.APIClient
	log zerolog.Logger
}

// NewEngine creates an Engine from the environment (DOCKER_HOST et al) with
// API version negotiation.
func NewEngine(log zerolog.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Engine{api: cli, log: log}, nil
}

// New wraps an existing API client; used by tests.
func New(api client.APIClient, log zerolog.Logger) *Engine {
	return &Engine{api: api, log: log}
}

// Ping checks connectivity with the daemon.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.api.Ping(ctx)
	return err
}

// Close releases the underlying client transport.
func (e *Engine) Close() error {
	if closer, ok := e.api.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
