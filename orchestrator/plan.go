package orchestrator

import (
	"regexp"
	"sort"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

// Skip reasons written into error_message of tasks that never ran.
const (
	SkipReasonDependencyFailed = "Skipped due to dependency failure"
	SkipReasonCancelled        = "Cancelled by user"
)

// Identifier and delay bounds for plan entries.
const (
	MaxIdentifierLength = 100
	MaxInitialDelay     = 3600
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TaskSpec is one task of a plan, before any row exists.
type TaskSpec struct {
	Identifier       string
	ExecutionPrompt  string
	SystemPrompt     string
	WorkingDirectory string
	Model            store.Model
	DependsOn        []string
	InitialDelay     int
}

// ValidatePlan checks a plan before any database write: identifier syntax and
// uniqueness, dependency closure, delay bounds, and acyclicity. A rejected
// plan leaves no trace.
func ValidatePlan(specs []TaskSpec) error {
	if len(specs) == 0 {
		return errors.New("plan contains no tasks")
	}

	byIdentifier := make(map[string]*TaskSpec, len(specs))
	for i := range specs {
		spec := &specs[i]
		if len(spec.Identifier) == 0 || len(spec.Identifier) > MaxIdentifierLength ||
			!identifierPattern.MatchString(spec.Identifier) {
			return errors.Errorf("invalid task identifier %q", spec.Identifier)
		}
		if _, ok := byIdentifier[spec.Identifier]; ok {
			return &DuplicateIdentifierError{Identifier: spec.Identifier}
		}
		byIdentifier[spec.Identifier] = spec
		if spec.InitialDelay < 0 || spec.InitialDelay > MaxInitialDelay {
			return errors.Errorf("task %q: initial_delay %d outside [0, %d]",
				spec.Identifier, spec.InitialDelay, MaxInitialDelay)
		}
	}

	for i := range specs {
		spec := &specs[i]
		for _, dep := range spec.DependsOn {
			if dep == spec.Identifier {
				return &CycleError{Cycle: []string{spec.Identifier, spec.Identifier}}
			}
			if _, ok := byIdentifier[dep]; !ok {
				return &InvalidDependencyError{Identifier: spec.Identifier, DependsOn: dep}
			}
		}
	}

	deps := make(map[string][]string, len(specs))
	for i := range specs {
		deps[specs[i].Identifier] = specs[i].DependsOn
	}
	return checkAcyclic(deps)
}

// checkAcyclic runs Kahn's algorithm over the dependency relation. When nodes
// remain unprocessed, a depth-first walk over the residue produces a concrete
// cycle witness, visiting identifiers in sorted order so the witness is
// deterministic.
func checkAcyclic(deps map[string][]string) error {
	indegree := make(map[string]int, len(deps))
	successors := make(map[string][]string, len(deps))
	for id, ds := range deps {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range ds {
			indegree[id]++
			successors[dep] = append(successors[dep], id)
		}
	}

	queue := make([]string, 0, len(deps))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if processed == len(deps) {
		return nil
	}

	residue := make([]string, 0, len(deps)-processed)
	for id, d := range indegree {
		if d > 0 {
			residue = append(residue, id)
		}
	}
	sort.Strings(residue)
	return &CycleError{Cycle: findCycle(residue[0], deps, indegree)}
}

// findCycle walks depends_on edges from start until an identifier repeats.
// Every node with positive residual in-degree sits on or leads into a cycle,
// so the walk terminates.
func findCycle(start string, deps map[string][]string, indegree map[string]int) []string {
	seen := map[string]int{}
	path := []string{}
	current := start
	for {
		if at, ok := seen[current]; ok {
			return append(path[at:], current)
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		candidates := append([]string(nil), deps[current]...)
		sort.Strings(candidates)
		for _, dep := range candidates {
			if indegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable for residue nodes; bail out with what we have.
			return path
		}
		current = next
	}
}
