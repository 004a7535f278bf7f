package runner

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixWriterTagsLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := newPrefixWriter(&out, "[step] ")

	_, err := w.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)
	require.Equal(t, "[step] hello\n[step] world\n", out.String())
}

func TestPrefixWriterBuffersPartialLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := newPrefixWriter(&out, "> ")

	_, err := w.Write([]byte("par"))
	require.NoError(t, err)
	require.Empty(t, out.String())

	_, err = w.Write([]byte("tial\n"))
	require.NoError(t, err)
	require.Equal(t, "> partial\n", out.String())
}

func TestPrefixWriterFlush(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := newPrefixWriter(&out, "> ")

	_, err := w.Write([]byte("no newline"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.Equal(t, "> no newline\n", out.String())

	// Flushing an empty buffer writes nothing.
	require.NoError(t, w.Flush())
	require.Equal(t, "> no newline\n", out.String())
}
