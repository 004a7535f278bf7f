package runner

import (
	"context"
	"fmt"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// StepGroup is a maximal run of steps sharing execution mode.
type StepGroup struct {
	Parallel bool
	Steps    []*config.Step
}

// BuildGroups derives the ordered step groups from pipeline items,
// coalescing consecutive single steps into one sequential group.
func BuildGroups(items []config.Item) []StepGroup {
	var groups []StepGroup
	for i := range items {
		item := items[i]
		if item.Step != nil {
			if n := len(groups); n > 0 && !groups[n-1].Parallel {
				groups[n-1].Steps = append(groups[n-1].Steps, item.Step)
			} else {
				groups = append(groups, StepGroup{Steps: []*config.Step{item.Step}})
			}
			continue
		}
		group := StepGroup{Parallel: true}
		for j := range item.Parallel {
			group.Steps = append(group.Steps, &item.Parallel[j])
		}
		groups = append(groups, group)
	}
	return groups
}

// Coordinator walks the pipeline's step groups, enforcing sequential versus
// parallel semantics and threading artifacts and variables forward.
type Coordinator struct {
	ctx      *Context
	executor *Executor
}

// NewCoordinator creates a coordinator bound to the run context.
func NewCoordinator(ctx *Context) *Coordinator {
	return &Coordinator{ctx: ctx, executor: NewExecutor(ctx)}
}

// Run executes the selected pipeline to completion. Variable validation
// happens before any container starts; a validation failure aborts the run
// with an error, while step failures are reported through the result.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	defer func() {
		releaseCtx, cancel := cleanupContext(c.ctx.GracePeriod)
		defer cancel()
		c.ctx.Ledger.ReleaseAll(releaseCtx)
	}()

	pipeline, err := c.ctx.Document.Pipeline(c.ctx.PipelineRef)
	if err != nil {
		return nil, err
	}

	pipelineVars, err := c.ctx.ResolvePipelineVariables(pipeline.Variables, c.ctx.UserVariables)
	if err != nil {
		return nil, err
	}

	result := &RunResult{RunID: c.ctx.RunID}
	groups := BuildGroups(pipeline.Items)

	stepIndex := 0
	for groupIndex, group := range groups {
		if ctx.Err() != nil {
			return result, runnererrors.NewCancelledError(ctx.Err())
		}

		if group.Parallel {
			failed := false
			count := len(group.Steps)
			for parallelIndex, step := range group.Steps {
				run := c.stepRun(step, groupIndex, stepIndex, parallelIndex, count, pipelineVars)
				stepIndex++

				proceed, stop, err := c.gateManualTrigger(step)
				if err != nil {
					return result, err
				}
				if stop {
					return result, nil
				}
				if !proceed {
					continue
				}

				stepResult := c.executor.Execute(ctx, run)
				result.Results = append(result.Results, *stepResult)
				if !stepResult.Succeeded() {
					// A failed parallel step does not stop its siblings.
					failed = true
				}
			}
			if failed {
				result.Failed = true
				return result, nil
			}
			continue
		}

		for _, step := range group.Steps {
			if ctx.Err() != nil {
				return result, runnererrors.NewCancelledError(ctx.Err())
			}

			run := c.stepRun(step, groupIndex, stepIndex, 0, 0, pipelineVars)
			stepIndex++

			proceed, stop, err := c.gateManualTrigger(step)
			if err != nil {
				return result, err
			}
			if stop {
				return result, nil
			}
			if !proceed {
				continue
			}

			stepResult := c.executor.Execute(ctx, run)
			result.Results = append(result.Results, *stepResult)
			if !stepResult.Succeeded() {
				result.Failed = true
				return result, nil
			}
		}
	}

	return result, nil
}

func (c *Coordinator) stepRun(step *config.Step, groupIndex, stepIndex, parallelIndex, parallelCount int, pipelineVars *VariableSet) *StepRun {
	name := step.Name
	if name == "" {
		name = fmt.Sprintf("step %d", stepIndex+1)
	}
	return &StepRun{
		Step:          step,
		GroupIndex:    groupIndex,
		StepIndex:     stepIndex,
		ParallelIndex: parallelIndex,
		ParallelCount: parallelCount,
		StepID:        c.ctx.StepID(groupIndex, stepIndex, name),
		UUID:          c.ctx.NewUUID(),
		PipelineVars:  pipelineVars,
	}
}

// gateManualTrigger resolves a manual step before launch: confirmed steps
// proceed, declined or non-interactive runs stop the pipeline successfully.
func (c *Coordinator) gateManualTrigger(step *config.Step) (proceed, stop bool, err error) {
	if !step.Manual() {
		return true, false, nil
	}
	if !c.ctx.Interactive() {
		c.ctx.Logger.Info().Str("step", step.Name).Msg("manual step skipped in non-interactive run")
		return false, true, nil
	}
	confirmed, err := c.ctx.Prompter.Confirm(fmt.Sprintf("Run manual step %q?", step.Name))
	if err != nil {
		return false, false, runnererrors.NewCancelledError(err)
	}
	if !confirmed {
		return false, true, nil
	}
	return true, false, nil
}
