package fetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "mediabot/pkg/logx"
)

// Workspaces hands out scoped temporary directories under one root.
type Workspaces struct {
	root string
	log  logx.Logger
}

func NewWorkspaces(root string, log logx.Logger) (*Workspaces, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "mediabot")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Workspaces{root: root, log: log}, nil
}

func (w *Workspaces) Root() string { return w.root }

// Acquire creates a fresh directory. The caller must Release it on every
// exit path.
func (w *Workspaces) Acquire(label string) (*Workspace, error) {
	label = strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, label), "-")
	if label == "" {
		label = "ws"
	}
	dir := filepath.Join(w.root, label+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{Dir: dir, log: w.log}, nil
}

// Sweep removes leftovers older than maxAge, e.g. after a crash.
func (w *Workspaces) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Workspace is one scoped directory.
type Workspace struct {
	Dir string

	log  logx.Logger
	once sync.Once
	err  error
}

// Release removes the directory. Safe to call more than once; a cleanup
// failure is logged as a warning and returned.
func (ws *Workspace) Release() error {
	if ws == nil {
		return nil
	}
	ws.once.Do(func() {
		ws.err = os.RemoveAll(ws.Dir)
		if ws.err != nil {
			ws.log.Warn("workspace cleanup failed", logx.String("dir", ws.Dir), logx.Err(ws.err))
		}
	})
	return ws.err
}
