package orchestrator

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotCancellable is returned when cancelling an orchestration that is
// already in a terminal state.
var ErrNotCancellable = errors.New("orchestration is not in a cancellable state")

// DuplicateIdentifierError reports an identifier used by more than one task
// in the same plan.
type DuplicateIdentifierError struct {
	Identifier string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate task identifier %q", e.Identifier)
}

// InvalidDependencyError reports a depends_on entry that names no sibling.
type InvalidDependencyError struct {
	Identifier string
	DependsOn  string
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown identifier %q", e.Identifier, e.DependsOn)
}

// CycleError reports a dependency cycle, with one concrete witness path.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}
