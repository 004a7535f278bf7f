package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

func TestBuildGroups(t *testing.T) {
	t.Parallel()

	a := config.Step{Name: "a", Script: []string{"true"}}
	b := config.Step{Name: "b", Script: []string{"true"}}
	c := config.Step{Name: "c", Script: []string{"true"}}
	d := config.Step{Name: "d", Script: []string{"true"}}

	groups := BuildGroups([]config.Item{
		{Step: &a},
		{Step: &b},
		{Parallel: []config.Step{c, d}},
		{Step: &a},
	})

	require.Len(t, groups, 3)
	require.False(t, groups[0].Parallel)
	require.Len(t, groups[0].Steps, 2)
	require.True(t, groups[1].Parallel)
	require.Len(t, groups[1].Steps, 2)
	require.False(t, groups[2].Parallel)
	require.Len(t, groups[2].Steps, 1)
}

func TestRunStopsSequentialPipelineOnFailure(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.execFn = func(call execCall, output io.Writer) int {
		if len(call.Cmd) == 2 && call.Cmd[1] == scriptPath {
			return 1
		}
		return 0
	}

	doc := testDocument(config.Pipeline{Items: []config.Item{
		{Step: &config.Step{Name: "first", Script: []string{"exit 1"}}},
		{Step: &config.Step{Name: "second", Script: []string{"true"}}},
	}})
	ctx := newTestContext(t, doc, rt, nil)

	result, err := NewCoordinator(ctx).Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Failed)
	require.Len(t, result.Results, 1)
	require.Equal(t, "first", result.Results[0].Name)
}

func TestRunParallelSiblingsContinueAfterFailure(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	calls := 0
	rt.execFn = func(call execCall, output io.Writer) int {
		if len(call.Cmd) == 2 && call.Cmd[1] == scriptPath {
			calls++
			if calls == 1 {
				return 7
			}
		}
		return 0
	}

	doc := testDocument(config.Pipeline{Items: []config.Item{
		{Parallel: []config.Step{
			{Name: "left", Script: []string{"exit 7"}},
			{Name: "right", Script: []string{"true"}},
		}},
		{Step: &config.Step{Name: "after", Script: []string{"true"}}},
	}})
	ctx := newTestContext(t, doc, rt, nil)

	result, err := NewCoordinator(ctx).Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Failed)

	// Both parallel steps ran; the sequential step after the group did not.
	require.Len(t, result.Results, 2)
	require.Equal(t, 7, result.Results[0].ExitCode)
	require.Equal(t, 0, result.Results[1].ExitCode)
}

func TestRunParallelStepsGetParallelEnv(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	doc := testDocument(config.Pipeline{Items: []config.Item{
		{Parallel: []config.Step{
			{Name: "left", Script: []string{"true"}},
			{Name: "right", Script: []string{"true"}},
		}},
	}})
	ctx := newTestContext(t, doc, rt, nil)

	result, err := NewCoordinator(ctx).Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Failed)

	require.Len(t, rt.created, 2)
	require.Contains(t, rt.created[0].Env, "BITBUCKET_PARALLEL_STEP=0")
	require.Contains(t, rt.created[0].Env, "BITBUCKET_PARALLEL_STEP_COUNT=2")
	require.Contains(t, rt.created[1].Env, "BITBUCKET_PARALLEL_STEP=1")
}

func TestRunArtifactsFlowBetweenSteps(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	var secondBuildDir string
	doc := testDocument(config.Pipeline{Items: []config.Item{
		{Step: &config.Step{
			Name:      "producer",
			Script:    []string{"true"},
			Artifacts: config.Artifacts{Paths: []string{"valid-folder/**", "file-name"}},
		}},
		{Step: &config.Step{Name: "consumer", Script: []string{"true"}}},
	}})
	ctx := newTestContext(t, doc, rt, nil)

	// The fake runtime never writes files, so simulate the producer script
	// by dropping files into the build dir when its script executes.
	rt.execFn = func(call execCall, output io.Writer) int {
		if len(call.Cmd) != 2 || call.Cmd[1] != scriptPath {
			return 0
		}
		if len(rt.created) == 1 {
			buildDir := rt.created[0].Mounts[0].Source
			mustWrite(t, filepath.Join(buildDir, "valid-folder", "a"), "a")
			mustWrite(t, filepath.Join(buildDir, "valid-folder", "sub", "c"), "c")
			mustWrite(t, filepath.Join(buildDir, "file-name"), "f")
		} else {
			secondBuildDir = rt.created[1].Mounts[0].Source
		}
		return 0
	}

	result, err := NewCoordinator(ctx).Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Failed)
	require.ElementsMatch(t, []string{"valid-folder/a", "valid-folder/sub/c", "file-name"}, result.Results[0].Artifacts)

	require.NotEmpty(t, secondBuildDir)
	for _, rel := range []string{"valid-folder/a", "valid-folder/sub/c", "file-name"} {
		_, statErr := os.Stat(filepath.Join(secondBuildDir, filepath.FromSlash(rel)))
		require.NoError(t, statErr, rel)
	}

	// The producer's artifacts are also preserved in its own output tree.
	producerArtifacts := filepath.Join(ctx.OutputDir, "steps", ctx.StepID(0, 0, "producer"), "artifacts")
	_, err = os.Stat(filepath.Join(producerArtifacts, "valid-folder", "a"))
	require.NoError(t, err)
}

func TestRunManualStepStopsNonInteractiveRun(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	doc := testDocument(config.Pipeline{Items: []config.Item{
		{Step: &config.Step{Name: "auto", Script: []string{"true"}}},
		{Step: &config.Step{Name: "gate", Trigger: "manual", Script: []string{"true"}}},
		{Step: &config.Step{Name: "never", Script: []string{"true"}}},
	}})
	ctx := newTestContext(t, doc, rt, nil)

	result, err := NewCoordinator(ctx).Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Failed)
	require.Len(t, result.Results, 1)
	require.Equal(t, "auto", result.Results[0].Name)
	// Only the automatic step got a container.
	require.Len(t, rt.created, 1)
}

func TestRunVariableValidation(t *testing.T) {
	t.Parallel()

	pipeline := config.Pipeline{
		Variables: []config.VariableDeclaration{
			{Name: "FILENAME"},
			{Name: "MESSAGE"},
			{Name: "EMPTY", Default: strPtr("")},
			{Name: "VAR_WITH_DEFAULT_1", Default: strPtr("Default 1")},
			{Name: "VAR_WITH_CHOICE", Default: strPtr("dev"), AllowedValues: []string{"dev", "staging", "production"}},
		},
		Items: []config.Item{{Step: &config.Step{Name: "vars", Script: []string{"true"}}}},
	}

	t.Run("defaults and choices resolve", func(t *testing.T) {
		t.Parallel()

		rt := newFakeRuntime()
		ctx := newTestContext(t, testDocument(pipeline), rt, map[string]string{
			"FILENAME": "out.txt",
			"MESSAGE":  "hi",
		})

		result, err := NewCoordinator(ctx).Run(context.Background())
		require.NoError(t, err)
		require.False(t, result.Failed)

		env := rt.created[0].Env
		require.Contains(t, env, "FILENAME=out.txt")
		require.Contains(t, env, "MESSAGE=hi")
		require.Contains(t, env, "EMPTY=")
		require.Contains(t, env, "VAR_WITH_DEFAULT_1=Default 1")
		require.Contains(t, env, "VAR_WITH_CHOICE=dev")
	})

	t.Run("value outside allowed set aborts before any container", func(t *testing.T) {
		t.Parallel()

		rt := newFakeRuntime()
		ctx := newTestContext(t, testDocument(pipeline), rt, map[string]string{
			"FILENAME":        "out.txt",
			"MESSAGE":         "hi",
			"VAR_WITH_CHOICE": "nope",
		})

		_, err := NewCoordinator(ctx).Run(context.Background())
		var validationErr *runnererrors.VariableValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Equal(t, "VAR_WITH_CHOICE", validationErr.Name)
		require.Empty(t, rt.created)
	})

	t.Run("missing required variable aborts before any container", func(t *testing.T) {
		t.Parallel()

		rt := newFakeRuntime()
		ctx := newTestContext(t, testDocument(pipeline), rt, map[string]string{"MESSAGE": "hi"})

		_, err := NewCoordinator(ctx).Run(context.Background())
		var validationErr *runnererrors.VariableValidationError
		require.ErrorAs(t, err, &validationErr)
		require.Equal(t, "FILENAME", validationErr.Name)
		require.Empty(t, rt.created)
	})
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	doc := testDocument(singleStepPipeline(config.Step{Name: "x", Script: []string{"true"}}))
	ctx := newTestContext(t, doc, rt, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCoordinator(ctx).Run(cancelled)
	var cancelledErr *runnererrors.CancelledError
	require.True(t, errors.As(err, &cancelledErr))
	require.Empty(t, rt.created)
}

func strPtr(s string) *string { return &s }

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
