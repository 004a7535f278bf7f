package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document represents a full bitbucket-pipelines.yml file.
type Document struct {
	Image       *Image      `yaml:"image,omitempty"`
	Options     Options     `yaml:"options,omitempty"`
	Definitions Definitions `yaml:"definitions,omitempty"`
	Pipelines   Pipelines   `yaml:"pipelines"`
}

// Options holds document-wide execution parameters.
type Options struct {
	Docker  bool   `yaml:"docker,omitempty"`
	MaxTime int    `yaml:"max-time,omitempty" validate:"omitempty,min=1,max=720"`
	Size    string `yaml:"size,omitempty" validate:"omitempty,step_size"`
}

// Definitions holds the reusable cache and service declarations.
type Definitions struct {
	Caches   map[string]Cache   `yaml:"caches,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
}

// Cache declares a named cache: a path, optionally keyed by file contents.
type Cache struct {
	Path string    `yaml:"path" validate:"required"`
	Key  *CacheKey `yaml:"key,omitempty"`
}

// CacheKey lists the files whose combined hash forms the cache key.
type CacheKey struct {
	Files []string `yaml:"files" validate:"required,min=1"`
}

// UnmarshalYAML accepts both the shorthand `name: path` and the mapping form
// with an explicit key definition.
func (c *Cache) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.Path = value.Value
		return nil
	}

	type cacheMap struct {
		Path string    `yaml:"path"`
		Key  *CacheKey `yaml:"key"`
	}
	var m cacheMap
	if err := value.Decode(&m); err != nil {
		return err
	}
	c.Path = m.Path
	c.Key = m.Key
	return nil
}

// Service declares a sidecar container definition.
type Service struct {
	Image     *Image            `yaml:"image,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty"`
	Memory    int               `yaml:"memory,omitempty" validate:"omitempty,min=128"`
	Type      string            `yaml:"type,omitempty" validate:"omitempty,oneof=docker"`
}

// Image identifies a container image together with optional credentials and
// run-as-user.
type Image struct {
	Name      string          `yaml:"name" validate:"required"`
	Username  string          `yaml:"username,omitempty"`
	Password  string          `yaml:"password,omitempty"`
	RunAsUser *int64          `yaml:"run-as-user,omitempty"`
	AWS       *AWSCredentials `yaml:"aws,omitempty"`
}

// AWSCredentials carries static ECR credentials from the pipeline file.
type AWSCredentials struct {
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
}

// UnmarshalYAML accepts both the shorthand `image: name` and the mapping
// form with credentials.
func (i *Image) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		i.Name = value.Value
		return nil
	}

	type imageMap struct {
		Name      string          `yaml:"name"`
		Username  string          `yaml:"username"`
		Password  string          `yaml:"password"`
		RunAsUser *int64          `yaml:"run-as-user"`
		AWS       *AWSCredentials `yaml:"aws"`
	}
	var m imageMap
	if err := value.Decode(&m); err != nil {
		return err
	}
	i.Name = m.Name
	i.Username = m.Username
	i.Password = m.Password
	i.RunAsUser = m.RunAsUser
	i.AWS = m.AWS
	return nil
}

// Pipelines maps selector kinds to their pipelines.
type Pipelines struct {
	Default      *Pipeline           `yaml:"default,omitempty"`
	Branches     map[string]Pipeline `yaml:"branches,omitempty"`
	Tags         map[string]Pipeline `yaml:"tags,omitempty"`
	PullRequests map[string]Pipeline `yaml:"pull-requests,omitempty"`
	Custom       map[string]Pipeline `yaml:"custom,omitempty"`
}

// Pipeline is an ordered list of step and parallel items, optionally preceded
// by variable declarations (custom pipelines only).
type Pipeline struct {
	Variables []VariableDeclaration
	Items     []Item
}

// Item is exactly one of a single step or a parallel block.
type Item struct {
	Step     *Step
	Parallel []Step
}

// UnmarshalYAML decodes the item sequence, lifting a leading `variables`
// entry out of the step list.
func (p *Pipeline) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("pipeline must be a sequence, got %s", nodeKind(value))
	}

	for idx, node := range value.Content {
		var probe struct {
			Step      *Step                 `yaml:"step"`
			Parallel  []stepWrapper         `yaml:"parallel"`
			Variables []VariableDeclaration `yaml:"variables"`
		}
		if err := node.Decode(&probe); err != nil {
			return err
		}

		switch {
		case probe.Variables != nil:
			if idx != 0 {
				return fmt.Errorf("variables must be the first pipeline entry")
			}
			p.Variables = probe.Variables
		case probe.Step != nil:
			p.Items = append(p.Items, Item{Step: probe.Step})
		case probe.Parallel != nil:
			steps := make([]Step, 0, len(probe.Parallel))
			for _, w := range probe.Parallel {
				if w.Step == nil {
					return fmt.Errorf("parallel entries must contain a step")
				}
				steps = append(steps, *w.Step)
			}
			p.Items = append(p.Items, Item{Parallel: steps})
		default:
			return fmt.Errorf("pipeline entry %d must contain a step, parallel or variables key", idx)
		}
	}

	return nil
}

type stepWrapper struct {
	Step *Step `yaml:"step"`
}

// VariableDeclaration declares a custom-pipeline variable, optionally with a
// default and a closed set of allowed values.
type VariableDeclaration struct {
	Name          string   `yaml:"name" validate:"required,env_name"`
	Default       *string  `yaml:"default,omitempty"`
	AllowedValues []string `yaml:"allowed-values,omitempty"`
}

// Step is a single scripted unit of work.
type Step struct {
	Name        string            `yaml:"name,omitempty"`
	Image       *Image            `yaml:"image,omitempty"`
	Script      []string          `yaml:"script" validate:"required,min=1"`
	AfterScript []string          `yaml:"after-script,omitempty"`
	Services    []string          `yaml:"services,omitempty"`
	Caches      []string          `yaml:"caches,omitempty"`
	Artifacts   Artifacts         `yaml:"artifacts,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Trigger     string            `yaml:"trigger,omitempty" validate:"omitempty,oneof=automatic manual"`
	Deployment  string            `yaml:"deployment,omitempty"`
	OIDC        bool              `yaml:"oidc,omitempty"`
	Size        string            `yaml:"size,omitempty" validate:"omitempty,step_size"`
	MaxTime     int               `yaml:"max-time,omitempty" validate:"omitempty,min=1,max=720"`
}

// Manual reports whether the step requires explicit confirmation.
func (s *Step) Manual() bool {
	return s.Trigger == "manual"
}

// SizeMultiplier returns the declared size as an integer factor, defaulting
// to 1.
func (s *Step) SizeMultiplier() int {
	if len(s.Size) == 2 && s.Size[1] == 'x' && s.Size[0] >= '1' && s.Size[0] <= '8' {
		return int(s.Size[0] - '0')
	}
	return 1
}

// Artifacts carries the artifact glob patterns and the download toggle.
type Artifacts struct {
	Download *bool
	Paths    []string
}

// UnmarshalYAML accepts both the plain list form and the mapping form with
// `download` and `paths`.
func (a *Artifacts) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&a.Paths)
	}

	type artifactsMap struct {
		Download *bool    `yaml:"download"`
		Paths    []string `yaml:"paths"`
	}
	var m artifactsMap
	if err := value.Decode(&m); err != nil {
		return err
	}
	a.Download = m.Download
	a.Paths = m.Paths
	return nil
}

// DownloadEnabled reports whether artifacts from previous steps should be
// rehydrated into this step's build directory.
func (a Artifacts) DownloadEnabled() bool {
	return a.Download == nil || *a.Download
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	default:
		return "unknown"
	}
}
