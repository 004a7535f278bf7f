package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseError represents a YAML parsing failure with optional line metadata.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse error: %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseFile loads a pipeline file from disk, validates it, and returns the
// resulting document.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: path, Line: extractLine(err), Err: err}
	}

	if err := ValidateDocument(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}

// Pipeline resolves a pipeline reference of the form "custom:<name>",
// "branches:<pattern>", "tags:<pattern>", "pull-requests:<pattern>" or
// "default".
func (d *Document) Pipeline(ref string) (*Pipeline, error) {
	kind, name, _ := strings.Cut(ref, ":")

	lookup := func(m map[string]Pipeline, kind, name string) (*Pipeline, error) {
		if p, ok := m[name]; ok {
			return &p, nil
		}
		return nil, fmt.Errorf("no %s pipeline named %q", kind, name)
	}

	switch kind {
	case "", "default":
		if d.Pipelines.Default == nil {
			return nil, fmt.Errorf("no default pipeline defined")
		}
		return d.Pipelines.Default, nil
	case "custom":
		return lookup(d.Pipelines.Custom, kind, name)
	case "branches":
		return lookup(d.Pipelines.Branches, kind, name)
	case "tags":
		return lookup(d.Pipelines.Tags, kind, name)
	case "pull-requests":
		return lookup(d.Pipelines.PullRequests, kind, name)
	default:
		return nil, fmt.Errorf("unknown pipeline kind %q", kind)
	}
}

// PipelineNames returns every addressable pipeline reference, sorted.
func (d *Document) PipelineNames() []string {
	var names []string
	if d.Pipelines.Default != nil {
		names = append(names, "default")
	}
	for name := range d.Pipelines.Branches {
		names = append(names, "branches:"+name)
	}
	for name := range d.Pipelines.Tags {
		names = append(names, "tags:"+name)
	}
	for name := range d.Pipelines.PullRequests {
		names = append(names, "pull-requests:"+name)
	}
	for name := range d.Pipelines.Custom {
		names = append(names, "custom:"+name)
	}
	sort.Strings(names)
	return names
}

// CacheDefinition resolves a cache name against the document definitions and
// the built-in caches.
func (d *Document) CacheDefinition(name string) (Cache, bool) {
	if c, ok := d.Definitions.Caches[name]; ok {
		return c, true
	}
	c, ok := builtinCaches[name]
	return c, ok
}

// ServiceDefinition resolves a service name against the document
// definitions; the "docker" service falls back to its built-in definition.
func (d *Document) ServiceDefinition(name string) (Service, error) {
	if s, ok := d.Definitions.Services[name]; ok {
		if s.Image == nil && name == DockerServiceName {
			s.Image = &Image{Name: DefaultDockerImage}
		}
		return s, nil
	}
	if name == DockerServiceName {
		return Service{Image: &Image{Name: DefaultDockerImage}, Type: "docker"}, nil
	}
	return Service{}, runnererrors.NewInvalidStepError("", "service", name)
}

const (
	// DockerServiceName is the reserved name of the docker-in-docker service.
	DockerServiceName = "docker"
	// DefaultDockerImage backs the docker service when none is declared.
	DefaultDockerImage = "docker:dind"
	// DefaultStepImage runs steps that declare no image of their own.
	DefaultStepImage = "atlassian/default-image:latest"
)

// builtinCaches mirrors the predefined caches of the hosted service.
var builtinCaches = map[string]Cache{
	"composer":   {Path: "~/.composer/cache"},
	"docker":     {Path: "/var/lib/docker"},
	"dotnetcore": {Path: "~/.nuget/packages"},
	"gradle":     {Path: "~/.gradle/caches"},
	"ivy2":       {Path: "~/.ivy2/cache"},
	"maven":      {Path: "~/.m2/repository"},
	"node":       {Path: "node_modules"},
	"pip":        {Path: "~/.cache/pip"},
	"sbt":        {Path: "~/.sbt"},
}
