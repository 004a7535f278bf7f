package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pipeline-runner/pipeline-runner/internal/config"
	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

// DefaultCacheKey is used when a cache declares no key definition.
const DefaultCacheKey = "default"

// DeriveCacheKey computes the key for a cache: the lowercase hex SHA-256 of
// the concatenated SHA-256 digests of each key file, in declared order. A
// cache without a key definition uses the constant key.
func DeriveCacheKey(cache config.Cache, cacheName, projectRoot string) (string, error) {
	if cache.Key == nil || len(cache.Key.Files) == 0 {
		return DefaultCacheKey, nil
	}

	outer := sha256.New()
	for _, file := range cache.Key.Files {
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(projectRoot, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", runnererrors.NewCacheKeyMissingFileError(cacheName, file)
		}
		digest := sha256.Sum256(data)
		outer.Write(digest[:])
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}

// ExpandContainerPath resolves a $HOME or ~ rooted cache path against the
// container user's home directory.
func ExpandContainerPath(p, home string) string {
	switch {
	case strings.HasPrefix(p, "~/"):
		return path.Join(home, p[2:])
	case p == "~":
		return home
	case strings.HasPrefix(p, "$HOME/"):
		return path.Join(home, p[len("$HOME/"):])
	case p == "$HOME":
		return home
	default:
		return p
	}
}

// RestoreCache uploads the cache directory's contents to target inside the
// container. An empty cache directory restores nothing.
func (e *Executor) RestoreCache(ctx context.Context, containerID, cacheDir, target string) error {
	entries, err := os.ReadDir(cacheDir)
	if err != nil || len(entries) == 0 {
		return err
	}

	if _, err := e.runtime.Exec(ctx, containerID, []string{"mkdir", "-p", target}, nil, io.Discard); err != nil {
		return err
	}

	archive, err := tarDirectory(cacheDir)
	if err != nil {
		return err
	}
	return e.runtime.UploadToContainer(ctx, containerID, target, archive)
}

// PersistCache snapshots the container path back into the cache directory,
// replacing the previous content. A missing in-container path is reported as
// (false, nil) so callers can warn instead of fail.
func (e *Executor) PersistCache(ctx context.Context, containerID, target, cacheDir string) (bool, error) {
	exists, err := e.runtime.PathExists(ctx, containerID, target)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	rc, err := e.runtime.DownloadFromContainer(ctx, containerID, target)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	if err := os.RemoveAll(cacheDir); err != nil {
		return false, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return false, err
	}

	// The daemon roots the archive at the path's base name; strip it.
	return true, extractTar(rc, cacheDir, path.Base(target))
}

// tarDirectory archives dir's contents (not the directory itself) into an
// in-memory tar stream.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(tw, f)
			f.Close()
			return copyErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// extractTar unpacks a tar stream into destDir, dropping the leading
// stripPrefix path element when present.
func extractTar(r io.Reader, destDir, stripPrefix string) error {
	tr := tar.NewReader(r)
	cleanDest := filepath.Clean(destDir)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := hdr.Name
		if stripPrefix != "" {
			trimmed := strings.TrimPrefix(name, stripPrefix)
			trimmed = strings.TrimPrefix(trimmed, "/")
			if trimmed == "" {
				continue
			}
			name = trimmed
		}

		target := filepath.Join(cleanDest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
	return nil
}
