// Package validation checks workflow graphs before they are compiled.
package validation

import (
	"fmt"
	"strings"
)

// NodeDeps is the minimal information needed for cycle detection
type NodeDeps struct {
	ID           string
	Dependencies []string
}

// CycleDetectionResult contains the result of cycle detection
type CycleDetectionResult struct {
	HasCycle     bool
	CyclePath    []string // IDs involved in the cycle (if found)
	SortedOrder  []string // Topological order (if no cycle)
	ErrorMessage string
}

// DetectCyclicDependencies checks for circular dependencies using Kahn's algorithm.
// The topological order is deterministic: ties are broken by input order.
func DetectCyclicDependencies(nodes []NodeDeps) CycleDetectionResult {
	if len(nodes) == 0 {
		return CycleDetectionResult{HasCycle: false, SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(nodes))
	graph := make(map[string][]string, len(nodes)) // node -> nodes that depend on it
	order := make([]string, 0, len(nodes))

	for _, n := range nodes {
		if _, exists := inDegree[n.ID]; !exists {
			inDegree[n.ID] = 0
			order = append(order, n.ID)
		}
	}

	// if A depends on B then B -> A
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				continue
			}
			if _, known := inDegree[dep]; !known {
				continue
			}
			graph[dep] = append(graph[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	queue := []string{}
	for _, id := range order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sortedOrder := []string{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sortedOrder = append(sortedOrder, current)

		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sortedOrder) == len(order) {
		return CycleDetectionResult{HasCycle: false, SortedOrder: sortedOrder}
	}

	cycleNodes := []string{}
	for _, id := range order {
		if inDegree[id] > 0 {
			cycleNodes = append(cycleNodes, id)
		}
	}
	cyclePath := findCyclePath(graph, cycleNodes)

	return CycleDetectionResult{
		HasCycle:     true,
		CyclePath:    cyclePath,
		ErrorMessage: fmt.Sprintf("circular dependency detected involving nodes: %s", strings.Join(cyclePath, " -> ")),
	}
}

// findCyclePath attempts to find the actual cycle path using DFS
func findCyclePath(graph map[string][]string, cycleNodes []string) []string {
	if len(cycleNodes) == 0 {
		return []string{}
	}

	cycleSet := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		cycleSet[n] = true
	}

	var visited map[string]bool
	var dfs func(node string, currentPath []string) []string
	dfs = func(node string, currentPath []string) []string {
		if visited[node] {
			for i, n := range currentPath {
				if n == node {
					cycle := append(append([]string{}, currentPath[i:]...), node)
					return cycle
				}
			}
			return nil
		}
		if !cycleSet[node] {
			return nil
		}

		visited[node] = true
		currentPath = append(currentPath, node)
		for _, next := range graph[node] {
			if cycleSet[next] {
				if result := dfs(next, currentPath); result != nil {
					return result
				}
			}
		}
		return nil
	}

	for _, start := range cycleNodes {
		visited = make(map[string]bool)
		if result := dfs(start, nil); len(result) > 1 {
			return result
		}
	}
	return cycleNodes
}

// ValidateDAGDependencies returns an error if cycles exist
func ValidateDAGDependencies(nodes []NodeDeps) error {
	result := DetectCyclicDependencies(nodes)
	if result.HasCycle {
		return fmt.Errorf("%s", result.ErrorMessage)
	}
	return nil
}
