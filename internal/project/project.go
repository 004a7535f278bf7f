package project

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// Context describes the project a pipeline runs against.
type Context struct {
	Root   string
	Slug   string
	Owner  string
	Branch string
	Commit string
	Remote string
}

// FullName returns the "<owner>/<slug>" form when an owner is known.
func (c *Context) FullName() string {
	if c.Owner == "" {
		return c.Slug
	}
	return c.Owner + "/" + c.Slug
}

// Discover inspects the git repository at root and derives the project
// context. A directory without a repository still yields a usable context
// with the slug taken from the directory name.
func Discover(root string) (*Context, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	ctx := &Context{
		Root: abs,
		Slug: Slugify(filepath.Base(abs)),
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return ctx, nil
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}

	if head, err := repo.Head(); err == nil {
		if head.Name().IsBranch() {
			ctx.Branch = head.Name().Short()
		}
		ctx.Commit = head.Hash().String()
	}

	if remote, err := repo.Remote("origin"); err == nil {
		urls := remote.Config().URLs
		if len(urls) > 0 {
			ctx.Remote = urls[0]
			owner, slug := parseRemote(urls[0])
			if slug != "" {
				ctx.Owner = owner
				ctx.Slug = Slugify(slug)
			}
		}
	}

	return ctx, nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a name and collapses anything outside [a-z0-9] into
// single dashes.
func Slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// parseRemote extracts (owner, slug) from https and scp-like git URLs.
func parseRemote(url string) (string, string) {
	trimmed := strings.TrimSuffix(url, ".git")

	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
		if j := strings.Index(trimmed, "/"); j >= 0 {
			trimmed = trimmed[j+1:]
		}
	} else if i := strings.Index(trimmed, ":"); i >= 0 {
		trimmed = trimmed[i+1:]
	}

	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
