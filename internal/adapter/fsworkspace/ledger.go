package fsworkspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Strob0t/forgeline/internal/domain/run"
)

// Feature is one ledger entry.
type Feature struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Passes      bool   `json:"passes"`
}

type entry struct {
	Passes bool `json:"passes"`
}

// Progress reads the project's ledger. Three layouts are understood: an
// array of entries, an object with a features array, and an object with
// total and passing counters. A missing ledger yields a zero snapshot.
func (w *Workspace) Progress(_ context.Context, projectID string) (run.Progress, error) {
	if err := checkProjectID(projectID); err != nil {
		return run.Progress{}, err
	}
	data, err := os.ReadFile(filepath.Join(w.Dir(projectID), LedgerFile))
	if errors.Is(err, os.ErrNotExist) {
		return run.Progress{}, nil
	}
	if err != nil {
		return run.Progress{}, fmt.Errorf("read ledger: %w", err)
	}
	return ParseProgress(data)
}

// ParseProgress derives a snapshot from raw ledger content.
func ParseProgress(data []byte) (run.Progress, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return run.Progress{}, nil
	}

	if data[0] == '[' {
		var entries []entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return run.Progress{}, fmt.Errorf("decode ledger: %w", err)
		}
		return count(entries), nil
	}

	var obj struct {
		Features []entry `json:"features"`
		Total    int     `json:"total"`
		Passing  int     `json:"passing"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return run.Progress{}, fmt.Errorf("decode ledger: %w", err)
	}
	if obj.Features != nil {
		return count(obj.Features), nil
	}
	return run.NewProgress(obj.Total, obj.Passing), nil
}

func count(entries []entry) run.Progress {
	passing := 0
	for _, e := range entries {
		if e.Passes {
			passing++
		}
	}
	return run.NewProgress(len(entries), passing)
}

// ReadFeatures loads the array ledger in dir.
func ReadFeatures(dir string) ([]Feature, error) {
	data, err := os.ReadFile(filepath.Join(dir, LedgerFile))
	if err != nil {
		return nil, err
	}
	var fs []Feature
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return fs, nil
}

// WriteFeatures replaces the ledger in dir.
func WriteFeatures(dir string, fs []Feature) error {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, LedgerFile), data)
}
