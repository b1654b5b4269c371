package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileAnchorer appends sealed roots to an append-only anchor log on local
// disk, fsynced per write. The returned reference is the log offset, which
// is enough to find the root again during audit.
type FileAnchorer struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// NewFileAnchorer creates the anchor log directory if needed.
func NewFileAnchorer(path string) (*FileAnchorer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: anchor dir: %w", err)
	}
	return &FileAnchorer{path: path, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (a *FileAnchorer) WithClock(clock func() time.Time) *FileAnchorer {
	a.clock = clock
	return a
}

// Anchor implements Anchorer.
func (a *FileAnchorer) Anchor(_ context.Context, orgID, root string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", fmt.Errorf("ledger: open anchor log: %w", err)
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, 2)
	if err != nil {
		return "", fmt.Errorf("ledger: anchor seek: %w", err)
	}
	line := fmt.Sprintf("%s %s %s\n", a.clock().UTC().Format(time.RFC3339Nano), orgID, root)
	if _, err := f.WriteString(line); err != nil {
		return "", fmt.Errorf("ledger: anchor write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("ledger: anchor sync: %w", err)
	}
	return fmt.Sprintf("file:%s@%d", filepath.Base(a.path), offset), nil
}
