package runner

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	"github.com/pipeline-runner/pipeline-runner/internal/logger"
	"github.com/pipeline-runner/pipeline-runner/internal/project"
)

// In-container filesystem layout.
const (
	CloneDir     = "/opt/atlassian/pipelines/agent/build"
	SSHDir       = "/opt/atlassian/pipelines/agent/ssh"
	AgentTmpDir  = "/opt/atlassian/pipelines/agent/tmp"
	SSHAgentSock = "/ssh-agent"
	DockerSocket = "/var/run/docker.sock"
)

// DefaultGracePeriod is how long containers get to terminate on cancel.
const DefaultGracePeriod = 10 * time.Second

// Options configures a run context.
type Options struct {
	Document    *config.Document
	PipelineRef string
	Project     *project.Context

	DataDir  string
	CacheDir string

	Runtime Runtime
	Images  ImageEnsurer
	Logger  zerolog.Logger

	// Output receives the live log stream; NewContext wraps it, together
	// with pipeline.log, in the run's secret Masker.
	Output io.Writer

	Prompter      Prompter
	UserVariables map[string]string
	// DeploymentVariables resolves variables for a deployment environment;
	// nil means none are available.
	DeploymentVariables func(environment string) map[string]string
	OIDC                *OIDCSigner

	Platform         string
	EnableSSH        bool
	ForwardSSHAgent  bool
	CPULimits        bool
	MaxSize          int
	CleanupBuildDirs bool
	GracePeriod      time.Duration
	Volumes          []UserVolume

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// UserVolume is a custom host to container bind mount.
type UserVolume struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Context is the per-invocation record of identity, paths, variables and
// clocks from which all stable identifiers and output locations derive.
type Context struct {
	Options

	RunID        string
	PipelineUUID string
	BuildNumber  int
	StartedAt    time.Time
	OutputDir    string

	Ledger *Ledger
	// Masker is shared by every log sink of the run; secrets registered
	// mid-run are masked everywhere at once.
	Masker *logger.Masker

	pipelineLog *os.File
	rng         *rand.Rand
}

// NewContext allocates the run identity, output tree and build number.
func NewContext(opts Options) (*Context, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 8
	}
	if opts.DataDir == "" {
		opts.DataDir = defaultDataDir()
	}
	if opts.CacheDir == "" {
		opts.CacheDir = defaultCacheDir()
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}

	slug := opts.Project.Slug
	buildNumber, err := nextBuildNumber(filepath.Join(opts.DataDir, slug))
	if err != nil {
		return nil, fmt.Errorf("allocate build number: %w", err)
	}

	outputDir := filepath.Join(opts.DataDir, slug, strconv.Itoa(buildNumber))
	if err := os.MkdirAll(filepath.Join(outputDir, "steps"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(outputDir, "artifacts"), 0o755); err != nil {
		return nil, err
	}

	runID := fmt.Sprintf("%s-%d", slug, buildNumber)

	startedAt := opts.Now()
	ctx := &Context{
		Options:     opts,
		RunID:       runID,
		BuildNumber: buildNumber,
		StartedAt:   startedAt,
		OutputDir:   outputDir,
		Ledger:      NewLedger(opts.Logger),
		Masker:      logger.NewMasker(),
		rng:         seededRNG(runID, startedAt),
	}
	ctx.PipelineUUID = ctx.NewUUID()

	logPath := filepath.Join(outputDir, "pipeline.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	ctx.pipelineLog = f
	ctx.Output = ctx.Masker.Wrap(io.MultiWriter(opts.Output, f))

	return ctx, nil
}

// Close flushes the pipeline log.
func (c *Context) Close() error {
	if c.pipelineLog != nil {
		return c.pipelineLog.Close()
	}
	return nil
}

// NewUUID returns a UUID drawn from the run's deterministic stream.
func (c *Context) NewUUID() string {
	id, err := uuid.NewRandomFromReader(c.rng)
	if err != nil {
		// The rand source never errors; keep the API total anyway.
		return uuid.NewString()
	}
	return id.String()
}

// ContainerSuffix returns a short random suffix for container names.
func (c *Context) ContainerSuffix() string {
	return fmt.Sprintf("%08x", c.rng.Uint32())
}

// StepID derives the stable identifier for a step.
func (c *Context) StepID(groupIndex, stepIndex int, name string) string {
	slugName := project.Slugify(name)
	if slugName == "" {
		slugName = "step"
	}
	return fmt.Sprintf("%s-%d-%d-%s", c.RunID, groupIndex, stepIndex, slugName)
}

// StepDir returns (and creates) the output directory for a step.
func (c *Context) StepDir(stepID string) (string, error) {
	dir := filepath.Join(c.OutputDir, "steps", stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ArtifactStoreDir is the run-wide directory artifacts are collected into.
func (c *Context) ArtifactStoreDir() string {
	return filepath.Join(c.OutputDir, "artifacts")
}

// Labels identify every container created by this run.
func (c *Context) Labels(stepID string) map[string]string {
	labels := map[string]string{
		"pipeline-runner.run": c.RunID,
	}
	if stepID != "" {
		labels["pipeline-runner.step"] = stepID
	}
	return labels
}

// Interactive reports whether a prompter is attached.
func (c *Context) Interactive() bool {
	return c.Prompter != nil
}

// seededRNG derives the run's identifier stream from the run id and start
// time, so ids are reproducible for a given run record.
func seededRNG(runID string, startedAt time.Time) *rand.Rand {
	sum := sha256.Sum256([]byte(runID + startedAt.Format(time.RFC3339Nano)))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed))
}

func nextBuildNumber(projectDir string) (int, error) {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return 0, err
	}
	counterPath := filepath.Join(projectDir, "build-number")

	current := 0
	if data, err := os.ReadFile(counterPath); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			current = n
		}
	}

	next := current + 1
	if err := os.WriteFile(counterPath, []byte(strconv.Itoa(next)+"\n"), 0o644); err != nil {
		return 0, err
	}
	return next, nil
}

func defaultDataDir() string {
	if dir := os.Getenv("PIPELINE_RUNNER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pipeline-runner")
	}
	return filepath.Join(home, ".local", "share", "pipeline-runner")
}

func defaultCacheDir() string {
	if dir := os.Getenv("PIPELINE_RUNNER_CACHE_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "pipeline-runner")
	}
	return filepath.Join(os.TempDir(), "pipeline-runner-cache")
}
