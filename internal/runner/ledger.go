package runner

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Ledger records every transient allocation of a run and releases them in
// LIFO order at termination, including on fatal error and cancel.
type Ledger struct {
	mu      sync.Mutex
	log     zerolog.Logger
	entries []ledgerEntry
}

type ledgerEntry struct {
	name    string
	release func(ctx context.Context) error
}

// NewLedger creates an empty ledger.
func NewLedger(log zerolog.Logger) *Ledger {
	return &Ledger{log: log}
}

// Register records a named allocation and its release function.
func (l *Ledger) Register(name string, release func(ctx context.Context) error) {
	l.mu.Lock()
	l.entries = append(l.entries, ledgerEntry{name: name, release: release})
	l.mu.Unlock()
}

// ReleaseAll runs every registered release in reverse registration order.
// Failures are logged and do not stop the remaining releases.
func (l *Ledger) ReleaseAll(ctx context.Context) {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := entry.release(ctx); err != nil {
			l.log.Warn().Err(err).Str("resource", entry.name).Msg("failed to release resource")
		}
	}
}
