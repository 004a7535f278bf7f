package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pipeline-runner/pipeline-runner/internal/docker"
	"github.com/pipeline-runner/pipeline-runner/internal/runner"
)

// collectVariables merges the project .env file, any --env-file files and
// --var flags, later sources winning.
func collectVariables(projectRoot string, envFiles, vars []string) (map[string]string, error) {
	merged := make(map[string]string)

	defaultEnv := filepath.Join(projectRoot, ".env")
	if _, err := os.Stat(defaultEnv); err == nil {
		envFiles = append([]string{defaultEnv}, envFiles...)
	}

	for _, file := range envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", file, err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}

	for _, pair := range vars {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, want NAME=VALUE", pair)
		}
		merged[name] = value
	}

	return merged, nil
}

// parseVolumes converts --volume flags into bind mount specs.
func parseVolumes(flags []string) ([]runner.UserVolume, error) {
	var volumes []runner.UserVolume
	for _, flag := range flags {
		parts := strings.Split(flag, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid --volume %q, want /host:/container[:ro]", flag)
		}
		v := runner.UserVolume{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "ro" && parts[2] != "rw" {
				return nil, fmt.Errorf("invalid --volume mode %q, want ro or rw", parts[2])
			}
			v.ReadOnly = parts[2] == "ro"
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}

// ecrCredentials resolves ECR registry credentials from the environment.
// PIPELINE_RUNNER_ECR_USER / PIPELINE_RUNNER_ECR_TOKEN act as the external
// credentials provider; without them ECR pulls stay anonymous.
func ecrCredentials() docker.CredentialsFunc {
	return func(ctx context.Context, host string) (*docker.RegistryAuth, error) {
		user := os.Getenv("PIPELINE_RUNNER_ECR_USER")
		token := os.Getenv("PIPELINE_RUNNER_ECR_TOKEN")
		if user == "" || token == "" {
			return nil, nil
		}
		return &docker.RegistryAuth{Username: user, Password: token}, nil
	}
}
