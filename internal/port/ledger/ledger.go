// Package ledger defines the read side of a project's feature ledger.
package ledger

import (
	"context"

	"github.com/Strob0t/forgeline/internal/domain/run"
)

// Reader derives a progress snapshot from the project's ledger. An absent
// ledger yields a zero snapshot, not an error.
type Reader interface {
	Progress(ctx context.Context, projectID string) (run.Progress, error)
}
