package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specsOf(deps map[string][]string) []TaskSpec {
	specs := make([]TaskSpec, 0, len(deps))
	for identifier, dependsOn := range deps {
		specs = append(specs, TaskSpec{
			Identifier:       identifier,
			ExecutionPrompt:  "run step " + identifier,
			WorkingDirectory: "/tmp/project",
			DependsOn:        dependsOn,
		})
	}
	return specs
}

func TestValidatePlanAccepts(t *testing.T) {
	cases := map[string]map[string][]string{
		"single task":  {"a": nil},
		"linear chain": {"a": nil, "b": {"a"}, "c": {"b"}},
		"diamond":      {"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
		"forest":       {"a": nil, "b": nil, "c": {"a"}},
	}
	for name, deps := range cases {
		assert.NoError(t, ValidatePlan(specsOf(deps)), name)
	}
}

func TestValidatePlanEmptyRejected(t *testing.T) {
	assert.Error(t, ValidatePlan(nil))
}

func TestValidatePlanIdentifierRules(t *testing.T) {
	for _, identifier := range []string{"", "has space", "a/b", "ünïcode", strings.Repeat("x", 101)} {
		err := ValidatePlan([]TaskSpec{{
			Identifier:       identifier,
			WorkingDirectory: "/tmp/project",
		}})
		assert.Error(t, err, "identifier %q should be rejected", identifier)
	}

	// Boundary: exactly 100 characters is fine.
	assert.NoError(t, ValidatePlan([]TaskSpec{{
		Identifier:       strings.Repeat("x", 100),
		WorkingDirectory: "/tmp/project",
	}}))
}

func TestValidatePlanDuplicateIdentifier(t *testing.T) {
	err := ValidatePlan([]TaskSpec{
		{Identifier: "a", WorkingDirectory: "/tmp"},
		{Identifier: "a", WorkingDirectory: "/tmp"},
	})
	var dup *DuplicateIdentifierError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Identifier)
}

func TestValidatePlanUnknownDependency(t *testing.T) {
	err := ValidatePlan([]TaskSpec{
		{Identifier: "a", WorkingDirectory: "/tmp", DependsOn: []string{"ghost"}},
	})
	var invalid *InvalidDependencyError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "a", invalid.Identifier)
	assert.Equal(t, "ghost", invalid.DependsOn)
}

func TestValidatePlanSelfReference(t *testing.T) {
	err := ValidatePlan([]TaskSpec{
		{Identifier: "a", WorkingDirectory: "/tmp", DependsOn: []string{"a"}},
	})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "a"}, cycle.Cycle)
}

func TestValidatePlanCycle(t *testing.T) {
	err := ValidatePlan(specsOf(map[string][]string{
		"x": {"y"},
		"y": {"x"},
	}))
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Contains(t, err.Error(), "cycle")
	// The witness starts and ends on the same identifier.
	require.GreaterOrEqual(t, len(cycle.Cycle), 3)
	assert.Equal(t, cycle.Cycle[0], cycle.Cycle[len(cycle.Cycle)-1])
}

func TestValidatePlanCycleBehindChain(t *testing.T) {
	// d hangs off a cycle; the witness must name the cycle, not d.
	err := ValidatePlan(specsOf(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
		"d": {"c"},
	}))
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.NotContains(t, cycle.Cycle[:len(cycle.Cycle)-1], "d")
}

func TestValidatePlanInitialDelayBounds(t *testing.T) {
	valid := []int{0, 1, 3600}
	for _, delay := range valid {
		assert.NoError(t, ValidatePlan([]TaskSpec{{
			Identifier:       "a",
			WorkingDirectory: "/tmp",
			InitialDelay:     delay,
		}}), "delay %d", delay)
	}
	invalid := []int{-1, 3601}
	for _, delay := range invalid {
		assert.Error(t, ValidatePlan([]TaskSpec{{
			Identifier:       "a",
			WorkingDirectory: "/tmp",
			InitialDelay:     delay,
		}}), "delay %d", delay)
	}
}
