package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bitbucket-pipelines.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	validYAML := `image: atlassian/default-image:4

definitions:
  caches:
    gomod:
      path: ~/go/pkg/mod
      key:
        files:
          - go.sum
  services:
    postgres:
      image: postgres:15
      variables:
        POSTGRES_PASSWORD: secret
      memory: 512

pipelines:
  default:
    - step:
        name: Build
        script:
          - go build ./...
        caches:
          - gomod
        artifacts:
          - dist/**
  custom:
    deploy:
      - variables:
          - name: ENVIRONMENT
            default: dev
            allowed-values:
              - dev
              - production
      - step:
          name: Deploy
          deployment: production
          trigger: manual
          oidc: true
          size: 2x
          image:
            name: deployer:latest
            username: bot
            password: $REGISTRY_TOKEN
            run-as-user: 1000
          script:
            - ./deploy.sh
          after-script:
            - echo done
      - parallel:
          - step:
              name: Smoke A
              script:
                - ./smoke a
          - step:
              name: Smoke B
              script:
                - ./smoke b
              artifacts:
                download: false
                paths:
                  - reports/**
`

	doc, err := ParseFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, "atlassian/default-image:4", doc.Image.Name)

	gomod := doc.Definitions.Caches["gomod"]
	require.Equal(t, "~/go/pkg/mod", gomod.Path)
	require.Equal(t, []string{"go.sum"}, gomod.Key.Files)

	pg := doc.Definitions.Services["postgres"]
	require.Equal(t, "postgres:15", pg.Image.Name)
	require.Equal(t, 512, pg.Memory)

	require.NotNil(t, doc.Pipelines.Default)
	build := doc.Pipelines.Default.Items[0].Step
	require.Equal(t, "Build", build.Name)
	require.Equal(t, []string{"go build ./..."}, build.Script)
	require.Equal(t, []string{"dist/**"}, build.Artifacts.Paths)
	require.True(t, build.Artifacts.DownloadEnabled())

	deploy := doc.Pipelines.Custom["deploy"]
	require.Len(t, deploy.Variables, 1)
	require.Equal(t, "ENVIRONMENT", deploy.Variables[0].Name)
	require.Equal(t, "dev", *deploy.Variables[0].Default)
	require.Equal(t, []string{"dev", "production"}, deploy.Variables[0].AllowedValues)

	step := deploy.Items[0].Step
	require.True(t, step.Manual())
	require.True(t, step.OIDC)
	require.Equal(t, 2, step.SizeMultiplier())
	require.Equal(t, "production", step.Deployment)
	require.Equal(t, "deployer:latest", step.Image.Name)
	require.Equal(t, "bot", step.Image.Username)
	require.Equal(t, int64(1000), *step.Image.RunAsUser)

	par := deploy.Items[1].Parallel
	require.Len(t, par, 2)
	require.Equal(t, "Smoke A", par[0].Name)
	require.False(t, par[1].Artifacts.DownloadEnabled())
	require.Equal(t, []string{"reports/**"}, par[1].Artifacts.Paths)
}

func TestParseFileShorthandForms(t *testing.T) {
	t.Parallel()

	yaml := `image: alpine:3.20

definitions:
  caches:
    bundler: vendor/bundle

pipelines:
  default:
    - step:
        script:
          - true
        caches:
          - bundler
`
	doc, err := ParseFile(writeConfig(t, yaml))
	require.NoError(t, err)
	require.Equal(t, "alpine:3.20", doc.Image.Name)
	require.Equal(t, "vendor/bundle", doc.Definitions.Caches["bundler"].Path)
}

func TestParseFileErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		contents string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "invalid yaml",
			contents: "pipelines: [",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
			},
		},
		{
			name:     "no pipelines",
			contents: "image: alpine\npipelines: {}\n",
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "at least one pipeline")
			},
		},
		{
			name: "step without script",
			contents: `pipelines:
  default:
    - step:
        name: broken
`,
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "required")
			},
		},
		{
			name: "invalid trigger",
			contents: `pipelines:
  default:
    - step:
        trigger: sometimes
        script:
          - true
`,
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "oneof")
			},
		},
		{
			name: "undefined service",
			contents: `pipelines:
  default:
    - step:
        name: db
        script:
          - true
        services:
          - mysql
`,
			check: func(t *testing.T, err error) {
				var invalidErr *runnererrors.InvalidStepError
				require.ErrorAs(t, err, &invalidErr)
				require.Equal(t, "service", invalidErr.Kind)
				require.Equal(t, "mysql", invalidErr.Reference)
			},
		},
		{
			name: "default outside allowed values",
			contents: `pipelines:
  custom:
    x:
      - variables:
          - name: CHOICE
            default: nope
            allowed-values:
              - dev
              - production
      - step:
          script:
            - true
`,
			check: func(t *testing.T, err error) {
				var varErr *runnererrors.VariableValidationError
				require.ErrorAs(t, err, &varErr)
			},
		},
		{
			name: "variables not first",
			contents: `pipelines:
  custom:
    x:
      - step:
          script:
            - true
      - variables:
          - name: LATE
`,
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "first pipeline entry")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFile(writeConfig(t, tc.contents))
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestDocumentPipelineLookup(t *testing.T) {
	t.Parallel()

	yaml := `pipelines:
  default:
    - step:
        script: [true]
  branches:
    main:
      - step:
          script: [true]
  custom:
    nightly:
      - step:
          script: [true]
`
	doc, err := ParseFile(writeConfig(t, yaml))
	require.NoError(t, err)

	for _, ref := range []string{"default", "", "branches:main", "custom:nightly"} {
		p, err := doc.Pipeline(ref)
		require.NoError(t, err, ref)
		require.NotNil(t, p)
	}

	_, err = doc.Pipeline("custom:missing")
	require.ErrorContains(t, err, "no custom pipeline")
	_, err = doc.Pipeline("weekly")
	require.ErrorContains(t, err, "unknown pipeline kind")

	require.Equal(t, []string{"branches:main", "custom:nightly", "default"}, doc.PipelineNames())
}

func TestCacheAndServiceDefinitions(t *testing.T) {
	t.Parallel()

	yaml := `pipelines:
  default:
    - step:
        script: [true]
`
	doc, err := ParseFile(writeConfig(t, yaml))
	require.NoError(t, err)

	// Built-in caches resolve without definitions.
	node, ok := doc.CacheDefinition("node")
	require.True(t, ok)
	require.Equal(t, "node_modules", node.Path)

	_, ok = doc.CacheDefinition("unknown")
	require.False(t, ok)

	// The docker service has a built-in definition.
	svc, err := doc.ServiceDefinition(DockerServiceName)
	require.NoError(t, err)
	require.Equal(t, DefaultDockerImage, svc.Image.Name)

	_, err = doc.ServiceDefinition("mysql")
	var invalidErr *runnererrors.InvalidStepError
	require.ErrorAs(t, err, &invalidErr)
}
