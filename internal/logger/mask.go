package logger

import (
	"bytes"
	"io"
	"sync"
)

// Placeholder replaces secret values in every log sink.
const Placeholder = "****"

// Masker holds the set of secret values to strip from log output. A single
// Masker is shared by every sink of a run so a secret registered mid-run is
// masked everywhere at once.
type Masker struct {
	mu      sync.Mutex
	secrets [][]byte
}

// NewMasker creates a Masker preloaded with the given values. Empty values
// are ignored.
func NewMasker(secrets ...string) *Masker {
	m := &Masker{}
	for _, s := range secrets {
		m.Add(s)
	}
	return m
}

// Add registers an additional value to mask.
func (m *Masker) Add(value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	m.secrets = append(m.secrets, []byte(value))
	m.mu.Unlock()
}

// Apply returns p with every registered secret replaced by the placeholder.
func (m *Masker) Apply(p []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	masked := p
	for _, secret := range m.secrets {
		masked = bytes.ReplaceAll(masked, secret, []byte(Placeholder))
	}
	return masked
}

// Wrap returns a writer that masks before forwarding to out.
func (m *Masker) Wrap(out io.Writer) io.Writer {
	return &maskingWriter{masker: m, out: out}
}

type maskingWriter struct {
	masker *Masker
	out    io.Writer
}

func (w *maskingWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write(w.masker.Apply(p)); err != nil {
		return 0, err
	}
	// Report the caller's length: the rewrite may change the byte count.
	return len(p), nil
}
