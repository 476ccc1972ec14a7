package run

import (
	"fmt"
	"strings"

	"github.com/Strob0t/forgeline/internal/domain"
)

var validKinds = map[AgentKind]bool{
	KindInitializer: true,
	KindCoding:      true,
	KindPlanner:     true,
	KindQA:          true,
}

// ValidKind reports whether k is a known agent kind.
func ValidKind(k AgentKind) bool {
	return validKinds[k]
}

const maxProjectIDLen = 128

// ValidateProjectID checks that id is usable as a directory name under the
// workspace root and as a broadcast topic.
func ValidateProjectID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	case len(id) > maxProjectIDLen:
		return fmt.Errorf("%w: project_id exceeds %d characters", domain.ErrValidation, maxProjectIDLen)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: project_id must not start with a dot", domain.ErrValidation)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: project_id must not contain path separators", domain.ErrValidation)
	}
	return nil
}
