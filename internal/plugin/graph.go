// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import "sort"

// Dependency graphs are adjacency maps keyed by plugin name: deps[a] lists
// the plugins a needs running before it starts. The transpose (dependents)
// is derived, never stored independently, so the two can't drift apart.

// transpose inverts a dependency map into a dependents map. Edges to names
// absent from the map are kept; callers decide whether a missing dependency
// is an error.
func transpose(deps map[string][]string) map[string][]string {
	dependents := make(map[string][]string, len(deps))
	for name := range deps {
		dependents[name] = nil
	}
	for name, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], name)
		}
	}
	for _, list := range dependents {
		sort.Strings(list)
	}
	return dependents
}

// hasCycle reports whether the dependency graph contains a cycle, using
// depth-first traversal with a visited set. Used as a cheap pre-check so
// callers never rely on the topological sort alone to terminate.
func hasCycle(deps map[string][]string) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(string) bool
	visit = func(n string) bool {
		switch color[n] {
		case visiting:
			return true
		case done:
			return false
		}
		color[n] = visiting
		for _, d := range deps[n] {
			if visit(d) {
				return true
			}
		}
		color[n] = done
		return false
	}

	for n := range deps {
		if visit(n) {
			return true
		}
	}
	return false
}

// topoSort orders plugins so every dependency precedes its dependents,
// using Kahn's algorithm. Nodes left with residual in-degree after the
// sort terminates sit on a cycle and are returned separately, sorted by
// name. Edges to unknown plugins are ignored here; dependency existence
// is checked at registration time.
func topoSort(deps map[string][]string) (order, cyclic []string) {
	indegree := make(map[string]int, len(deps))
	for name := range deps {
		indegree[name] = 0
	}
	for name, ds := range deps {
		for _, d := range ds {
			if _, known := indegree[d]; known {
				indegree[name]++
			}
		}
	}

	dependents := transpose(deps)

	// Sorted zero in-degree queue keeps the order deterministic.
	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	for name, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, name)
		}
	}
	sort.Strings(cyclic)

	return order, cyclic
}
