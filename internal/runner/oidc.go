package runner

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const oidcKeyFile = "oidc-signing-key.pem"

// OIDCSigner produces short-lived signed JWTs for steps that request OIDC.
// The signing key is generated on first use and persisted under the data
// root so the issuer stays stable across runs.
type OIDCSigner struct {
	dataDir  string
	issuer   string
	audience string
}

// NewOIDCSigner creates a signer rooted at the data directory.
func NewOIDCSigner(dataDir string) *OIDCSigner {
	issuer := os.Getenv("PIPELINE_RUNNER_OIDC_ISSUER")
	if issuer == "" {
		issuer = "https://pipeline-runner.localhost"
	}
	audience := os.Getenv("PIPELINE_RUNNER_OIDC_AUDIENCE")
	if audience == "" {
		audience = "pipeline-runner"
	}
	return &OIDCSigner{dataDir: dataDir, issuer: issuer, audience: audience}
}

// Token signs an RS256 JWT identifying the step within the run.
func (s *OIDCSigner) Token(runCtx *Context, run *StepRun) (string, error) {
	key, err := s.signingKey()
	if err != nil {
		return "", err
	}

	now := runCtx.Now()
	claims := jwt.MapClaims{
		"iss":          s.issuer,
		"aud":          s.audience,
		"sub":          "{" + run.UUID + "}",
		"iat":          now.Unix(),
		"exp":          now.Add(time.Hour).Unix(),
		"stepUuid":     "{" + run.UUID + "}",
		"pipelineUuid": "{" + runCtx.PipelineUUID + "}",
		"repository":   runCtx.Project.FullName(),
		"branchName":   runCtx.Project.Branch,
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

func (s *OIDCSigner) signingKey() (*rsa.PrivateKey, error) {
	path := filepath.Join(s.dataDir, oidcKeyFile)

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("oidc key %s: no PEM block", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
