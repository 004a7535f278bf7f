package runner

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CollectArtifacts evaluates the step's artifact patterns against the build
// directory and copies matched files into the run's artifact store,
// preserving relative paths. Matching follows doublestar semantics: symlinks
// are not followed, hidden files match, and only regular files are copied
// (directories contribute nothing unless a pattern reaches the files within).
// Patterns that escape the build directory are silently dropped; patterns
// matching nothing are warnings. Per-file copy failures are logged and do not
// fail the step.
func (e *Executor) CollectArtifacts(patterns []string, buildDir, storeDir string) []string {
	var collected []string
	fsys := os.DirFS(buildDir)

	for _, pattern := range patterns {
		if !validArtifactPattern(pattern) {
			continue
		}

		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithNoFollow())
		if err != nil {
			e.log.Warn().Str("pattern", pattern).Err(err).Msg("invalid artifact pattern")
			continue
		}

		copied := 0
		for _, match := range matches {
			src := filepath.Join(buildDir, filepath.FromSlash(match))
			info, err := os.Lstat(src)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			dst := filepath.Join(storeDir, filepath.FromSlash(match))
			if err := copyPreservingMode(src, dst, info.Mode().Perm()); err != nil {
				e.log.Warn().Str("file", match).Err(err).Msg("failed to collect artifact")
				continue
			}
			collected = append(collected, match)
			copied++
		}

		if copied == 0 {
			e.log.Warn().Str("pattern", pattern).Msg("artifact pattern matched no files")
		}
	}

	return collected
}

// RehydrateArtifacts copies the run's collected artifacts into a step's
// build directory, preserving relative paths and modes.
func (e *Executor) RehydrateArtifacts(storeDir, buildDir string) error {
	return filepath.Walk(storeDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(storeDir, p)
		if err != nil {
			return err
		}
		return copyPreservingMode(p, filepath.Join(buildDir, rel), info.Mode().Perm())
	})
}

// validArtifactPattern rejects patterns that would escape the build
// directory: absolute paths, home-relative paths, and parent traversal.
func validArtifactPattern(pattern string) bool {
	if pattern == "" || strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "~") {
		return false
	}
	for _, part := range strings.Split(pattern, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func copyPreservingMode(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// A pre-existing file keeps its old mode on O_CREATE; enforce it.
	return os.Chmod(dst, mode)
}
