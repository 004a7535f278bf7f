package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VolumeManager deterministically allocates host directories and named
// container volumes for a run and records them in the run ledger.
type VolumeManager struct {
	ctx *Context
}

// NewVolumeManager creates a manager bound to the run context.
func NewVolumeManager(ctx *Context) *VolumeManager {
	return &VolumeManager{ctx: ctx}
}

// BuildDir allocates the empty host directory that becomes the step's
// working directory. It lives under the run's output tree so it survives
// for inspection after the run.
func (m *VolumeManager) BuildDir(stepID string) (string, error) {
	stepDir, err := m.ctx.StepDir(stepID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(stepDir, "build")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if m.ctx.CleanupBuildDirs {
		m.ctx.Ledger.Register("build dir "+stepID, func(context.Context) error {
			return os.RemoveAll(dir)
		})
	}
	return dir, nil
}

// CacheDir resolves the persistent host directory for a (cache, key) pair.
// Cache directories outlive the run and are never registered for cleanup.
func (m *VolumeManager) CacheDir(name, key string) (string, error) {
	dir := filepath.Join(m.ctx.CacheDir, m.ctx.Project.Slug, name+"-"+key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DockerCacheVolume is the named container volume backing the docker cache.
func (m *VolumeManager) DockerCacheVolume(ctx context.Context) (string, error) {
	name := "pipeline-runner-" + m.ctx.Project.Slug + "-docker"
	if err := m.ctx.Runtime.CreateVolume(ctx, name, m.ctx.Labels("")); err != nil {
		return "", err
	}
	// The docker cache persists across runs like every other cache.
	return name, nil
}

// DockerSocketVolume allocates the per-step volume that carries the
// docker-in-docker daemon socket.
func (m *VolumeManager) DockerSocketVolume(ctx context.Context, stepID string) (string, error) {
	name := "pipeline-runner-" + stepID + "-docker-socket"
	if err := m.ctx.Runtime.CreateVolume(ctx, name, m.ctx.Labels(stepID)); err != nil {
		return "", err
	}
	m.ctx.Ledger.Register("docker socket volume "+name, func(releaseCtx context.Context) error {
		return m.ctx.Runtime.RemoveVolume(releaseCtx, name)
	})
	return name, nil
}

// SSHMaterial is the prepared key directory mounted read-only into steps.
type SSHMaterial struct {
	HostDir string
}

// SSHMaterialDir copies the user's private key into a temporary directory
// together with the canonical ssh_config. id_rsa is mode 0600; the
// id_rsa_tmp copy is mode 0644.
func (m *VolumeManager) SSHMaterialDir() (*SSHMaterial, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(home, ".ssh", "id_rsa")
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}

	dir, err := os.MkdirTemp("", "pipeline-runner-ssh-")
	if err != nil {
		return nil, err
	}
	m.ctx.Ledger.Register("ssh material dir", func(context.Context) error {
		return os.RemoveAll(dir)
	})

	if err := os.WriteFile(filepath.Join(dir, "id_rsa"), key, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "id_rsa_tmp"), key, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte(SSHConfig()), 0o644); err != nil {
		return nil, err
	}

	return &SSHMaterial{HostDir: dir}, nil
}

// SSHConfig is the canonical ssh_config content; the executor copies it to
// ~/.ssh/config before the script runs so both files hash identically.
func SSHConfig() string {
	return strings.Join([]string{
		"IdentityFile " + SSHDir + "/id_rsa",
		"ServerAliveInterval 180",
		"",
	}, "\n")
}
