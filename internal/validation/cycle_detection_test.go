package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCyclicDependencies_NoCycle(t *testing.T) {
	nodes := []NodeDeps{
		{ID: "safety_gate"},
		{ID: "classify_intent", Dependencies: []string{"safety_gate"}},
		{ID: "retrieve_recommend", Dependencies: []string{"classify_intent"}},
		{ID: "retrieve_compare", Dependencies: []string{"classify_intent"}},
		{ID: "aggregate", Dependencies: []string{"retrieve_recommend", "retrieve_compare"}},
	}

	result := DetectCyclicDependencies(nodes)
	require.False(t, result.HasCycle, "cycle path: %v", result.CyclePath)
	assert.Equal(t, []string{"safety_gate", "classify_intent", "retrieve_recommend", "retrieve_compare", "aggregate"}, result.SortedOrder)
}

func TestDetectCyclicDependencies_SimpleCycle(t *testing.T) {
	nodes := []NodeDeps{
		{ID: "A", Dependencies: []string{"C"}},
		{ID: "B", Dependencies: []string{"A"}},
		{ID: "C", Dependencies: []string{"B"}},
	}

	result := DetectCyclicDependencies(nodes)
	require.True(t, result.HasCycle)
	assert.Len(t, result.CyclePath, 4)
	assert.Equal(t, result.CyclePath[0], result.CyclePath[3])
	assert.Contains(t, result.ErrorMessage, "circular dependency")
}

func TestDetectCyclicDependencies_PartialCycle(t *testing.T) {
	nodes := []NodeDeps{
		{ID: "entry"},
		{ID: "X", Dependencies: []string{"entry", "Y"}},
		{ID: "Y", Dependencies: []string{"X"}},
	}

	result := DetectCyclicDependencies(nodes)
	require.True(t, result.HasCycle)
	assert.NotContains(t, result.CyclePath, "entry")
}

func TestDetectCyclicDependencies_IgnoresSelfAndUnknown(t *testing.T) {
	nodes := []NodeDeps{
		{ID: "A", Dependencies: []string{"A", "ghost"}},
		{ID: "B", Dependencies: []string{"A"}},
	}
	result := DetectCyclicDependencies(nodes)
	assert.False(t, result.HasCycle)
	assert.Equal(t, []string{"A", "B"}, result.SortedOrder)
}

func TestDetectCyclicDependencies_Empty(t *testing.T) {
	result := DetectCyclicDependencies(nil)
	assert.False(t, result.HasCycle)
	assert.Empty(t, result.SortedOrder)
}

func TestValidateDAGDependencies(t *testing.T) {
	assert.NoError(t, ValidateDAGDependencies([]NodeDeps{{ID: "A"}, {ID: "B", Dependencies: []string{"A"}}}))
	assert.Error(t, ValidateDAGDependencies([]NodeDeps{{ID: "A", Dependencies: []string{"B"}}, {ID: "B", Dependencies: []string{"A"}}}))
}
