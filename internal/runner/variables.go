package runner

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// Origin identifies where a variable definition came from. Higher values win.
type Origin int

const (
	OriginSystem Origin = iota
	OriginPipeline
	OriginDeployment
	OriginUser
	OriginStepLocal
	OriginOIDC
)

// Variable is a single named value with provenance.
type Variable struct {
	Name   string
	Value  string
	Origin Origin
	Secret bool
}

// VariableSet resolves name collisions by origin precedence: step-local >
// user-supplied > deployment > pipeline-declared > system.
type VariableSet struct {
	vars map[string]Variable
}

// NewVariableSet creates an empty set.
func NewVariableSet() *VariableSet {
	return &VariableSet{vars: make(map[string]Variable)}
}

// Put inserts a variable, keeping an existing definition when it has higher
// precedence.
func (s *VariableSet) Put(v Variable) {
	if existing, ok := s.vars[v.Name]; ok && existing.Origin > v.Origin {
		return
	}
	s.vars[v.Name] = v
}

// Get returns the effective value for a name.
func (s *VariableSet) Get(name string) (string, bool) {
	v, ok := s.vars[name]
	return v.Value, ok
}

// Environ renders the set as sorted KEY=VALUE pairs.
func (s *VariableSet) Environ() []string {
	env := make([]string, 0, len(s.vars))
	for _, v := range s.vars {
		env = append(env, v.Name+"="+v.Value)
	}
	sort.Strings(env)
	return env
}

// SecretValues lists values that must be masked in logs.
func (s *VariableSet) SecretValues() []string {
	var values []string
	for _, v := range s.vars {
		if v.Secret && v.Value != "" {
			values = append(values, v.Value)
		}
	}
	sort.Strings(values)
	return values
}

// Clone returns an independent copy of the set.
func (s *VariableSet) Clone() *VariableSet {
	out := NewVariableSet()
	for _, v := range s.vars {
		out.vars[v.Name] = v
	}
	return out
}

// ResolvePipelineVariables validates user-supplied values against the
// pipeline's variable declarations: unknown defaults are applied, allowed
// values are enforced, and missing values without a default are prompted for
// interactively or rejected. It runs before any container starts.
func (c *Context) ResolvePipelineVariables(decls []config.VariableDeclaration, supplied map[string]string) (*VariableSet, error) {
	set := NewVariableSet()

	for _, decl := range decls {
		value, ok := supplied[decl.Name]
		switch {
		case ok:
		case decl.Default != nil:
			value = *decl.Default
		case c.Interactive():
			entered, err := c.Prompter.Input(fmt.Sprintf("Value for %s", decl.Name), false)
			if err != nil {
				return nil, err
			}
			value = entered
		default:
			return nil, runnererrors.NewVariableValidationError(decl.Name, "required variable not supplied")
		}

		if len(decl.AllowedValues) > 0 && !contains(decl.AllowedValues, value) {
			return nil, runnererrors.NewVariableValidationError(decl.Name,
				fmt.Sprintf("value %q is not one of the allowed values", value))
		}

		set.Put(Variable{Name: decl.Name, Value: value, Origin: OriginPipeline})
	}

	// User-supplied values that are not declared still reach the environment.
	for name, value := range supplied {
		set.Put(Variable{Name: name, Value: value, Origin: OriginUser})
	}

	return set, nil
}

// systemVariables builds the BITBUCKET_* set shared by every step of the run.
func (c *Context) systemVariables() []Variable {
	p := c.Project
	return []Variable{
		{Name: "CI", Value: "true", Origin: OriginSystem},
		{Name: "BITBUCKET_BUILD_NUMBER", Value: strconv.Itoa(c.BuildNumber), Origin: OriginSystem},
		{Name: "BITBUCKET_PIPELINE_UUID", Value: "{" + c.PipelineUUID + "}", Origin: OriginSystem},
		{Name: "BITBUCKET_REPO_SLUG", Value: p.Slug, Origin: OriginSystem},
		{Name: "BITBUCKET_REPO_OWNER", Value: p.Owner, Origin: OriginSystem},
		{Name: "BITBUCKET_REPO_FULL_NAME", Value: p.FullName(), Origin: OriginSystem},
		{Name: "BITBUCKET_CLONE_DIR", Value: CloneDir, Origin: OriginSystem},
		{Name: "BITBUCKET_BRANCH", Value: p.Branch, Origin: OriginSystem},
		{Name: "BITBUCKET_COMMIT", Value: p.Commit, Origin: OriginSystem},
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
