// Package fsworkspace keeps project workspaces as directories under a root
// and reads their feature ledgers.
package fsworkspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Strob0t/forgeline/internal/domain"
)

const (
	// SeedFile receives the seed specification of a run.
	SeedFile = "app_spec.txt"
	// LedgerFile is the feature ledger maintained by the agent.
	LedgerFile = "feature_list.json"
)

// Workspace implements workspace.Preparer and ledger.Reader on the local
// filesystem.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root. The directory is created lazily.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Dir returns the project directory.
func (w *Workspace) Dir(projectID string) string {
	return filepath.Join(w.root, projectID)
}

// Prepare creates the project directory and writes seedSpec, if any.
func (w *Workspace) Prepare(_ context.Context, projectID, seedSpec string) (wroteSeed, fresh bool, err error) {
	if err := checkProjectID(projectID); err != nil {
		return false, false, err
	}
	dir := w.Dir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, false, fmt.Errorf("create workspace %s: %w", projectID, err)
	}

	if seedSpec != "" {
		if err := writeFileAtomic(filepath.Join(dir, SeedFile), []byte(seedSpec)); err != nil {
			return false, false, fmt.Errorf("write seed spec: %w", err)
		}
		wroteSeed = true
	}

	_, err = os.Stat(filepath.Join(dir, LedgerFile))
	switch {
	case os.IsNotExist(err):
		fresh = true
	case err != nil:
		return wroteSeed, false, fmt.Errorf("stat ledger: %w", err)
	}
	return wroteSeed, fresh, nil
}

func checkProjectID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: unsafe project id %q", domain.ErrValidation, id)
	}
	return nil
}

// writeFileAtomic replaces path so that readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
