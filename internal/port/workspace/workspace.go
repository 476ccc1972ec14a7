// Package workspace defines the port that prepares a project directory
// before the first session of a run.
package workspace

import "context"

// Preparer creates the project workspace and stores the seed specification.
type Preparer interface {
	// Prepare ensures the workspace exists. When seedSpec is non-empty it is
	// written to the workspace and wroteSeed is true. fresh reports that the
	// project has no feature ledger yet.
	Prepare(ctx context.Context, projectID, seedSpec string) (wroteSeed, fresh bool, err error)
	// Dir returns the absolute workspace directory of the project.
	Dir(projectID string) string
}
