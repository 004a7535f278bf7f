package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateScript(t *testing.T) {
	t.Parallel()

	program := GenerateScript([]string{"echo hello", "make test"})

	require.True(t, strings.HasPrefix(program, "#!/bin/sh\n"))
	require.Contains(t, program, "printf '%s\\n' '+ echo hello'")
	require.Contains(t, program, "\necho hello\n")
	require.Contains(t, program, "\nmake test\n")
	require.Contains(t, program, "if [ $_pr_status -ne 0 ]; then exit $_pr_status; fi")
	require.True(t, strings.HasSuffix(program, "exit 0\n"))

	// The echo must come before its command.
	require.Less(t,
		strings.Index(program, "'+ echo hello'"),
		strings.Index(program, "\necho hello\n"))
}

func TestGenerateScriptQuotesSingleQuotes(t *testing.T) {
	t.Parallel()

	program := GenerateScript([]string{`echo 'quoted'`})
	require.Contains(t, program, `'+ echo '\''quoted'\'''`)
}

func TestGenerateScriptSkipsBlankLines(t *testing.T) {
	t.Parallel()

	program := GenerateScript([]string{"", "   ", "true"})
	require.Equal(t, 1, strings.Count(program, "printf"))
}

func TestSplitOnBreakpoints(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		script []string
		want   [][]string
	}{
		{
			name:   "no breakpoints",
			script: []string{"a", "b"},
			want:   [][]string{{"a", "b"}},
		},
		{
			name:   "single breakpoint",
			script: []string{"a", BreakpointMarker, "b"},
			want:   [][]string{{"a"}, {"b"}},
		},
		{
			name:   "marker with surrounding whitespace",
			script: []string{"a", "   " + BreakpointMarker + " ", "b"},
			want:   [][]string{{"a"}, {"b"}},
		},
		{
			name:   "trailing breakpoint yields empty segment",
			script: []string{"a", BreakpointMarker},
			want:   [][]string{{"a"}, nil},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, SplitOnBreakpoints(tc.script))
		})
	}
}
