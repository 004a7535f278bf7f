package project

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"My Project", "my-project"},
		{"already-slugged", "already-slugged"},
		{"Build & Test!", "build-test"},
		{"__trim__", "trim"},
		{"UPPER", "upper"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Slugify(tc.in), tc.in)
	}
}

func TestParseRemote(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url       string
		wantOwner string
		wantSlug  string
	}{
		{"git@bitbucket.org:acme/widgets.git", "acme", "widgets"},
		{"https://bitbucket.org/acme/widgets.git", "acme", "widgets"},
		{"https://user@bitbucket.org/acme/widgets", "acme", "widgets"},
		{"ssh://git@bitbucket.org/acme/widgets.git", "acme", "widgets"},
		{"not-a-remote", "", ""},
	}
	for _, tc := range cases {
		owner, slug := parseRemote(tc.url)
		require.Equal(t, tc.wantOwner, owner, tc.url)
		require.Equal(t, tc.wantSlug, slug, tc.url)
	}
}

func TestDiscoverWithoutRepository(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx, err := Discover(dir)
	require.NoError(t, err)
	require.Equal(t, Slugify(filepath.Base(dir)), ctx.Slug)
	require.Empty(t, ctx.Branch)
	require.Empty(t, ctx.Commit)
	require.Equal(t, ctx.Slug, ctx.FullName())
}
