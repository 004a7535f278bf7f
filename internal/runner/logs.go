package runner

import (
	"bytes"
	"io"
	"sync"
)

// prefixWriter tags every output line with a fixed prefix before forwarding
// it. Partial lines are buffered until their newline arrives so interleaved
// writers cannot split a line.
type prefixWriter struct {
	mu     sync.Mutex
	out    io.Writer
	prefix []byte
	buf    bytes.Buffer
}

func newPrefixWriter(out io.Writer, prefix string) *prefixWriter {
	return &prefixWriter{out: out, prefix: []byte(prefix)}
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// No newline yet; keep the partial line buffered.
			w.buf.Write(line)
			break
		}
		if _, err := w.out.Write(append(append([]byte{}, w.prefix...), line...)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes any buffered partial line with the prefix.
func (w *prefixWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	line := append(append([]byte{}, w.prefix...), w.buf.Bytes()...)
	line = append(line, '\n')
	w.buf.Reset()
	_, err := w.out.Write(line)
	return err
}
