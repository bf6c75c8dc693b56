package swarm

import (
	"errors"
	"fmt"
)

// Stage is one unit run of a build, addressed by the unit's label.
type Stage struct {
	Label string
	Task  func(AppSpec) string
}

// Edge orders two stages: To starts only after From has been attempted.
type Edge struct {
	From string
	To   string
}

// ExecutionTier is a group of stages that run in parallel.
type ExecutionTier struct {
	Stages []Stage
}

// BuildPlan groups stages into tiers by their depth in the dependency
// graph. Within a tier, stages keep their declaration order. It returns an
// error if the graph contains a cycle or references an unknown stage.
func BuildPlan(stages []Stage, edges []Edge) ([]ExecutionTier, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, dup := index[s.Label]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Label)
		}
		index[s.Label] = i
	}

	next := make(map[string][]string)
	inDegree := make(map[string]int, len(stages))
	for _, e := range edges {
		if _, ok := index[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown stage %q", e.From)
		}
		if _, ok := index[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown stage %q", e.To)
		}
		next[e.From] = append(next[e.From], e.To)
		inDegree[e.To]++
	}

	// Kahn's algorithm, tracking the longest path to each stage.
	depth := make(map[string]int, len(stages))
	queue := make([]string, 0, len(stages))
	for _, s := range stages {
		if inDegree[s.Label] == 0 {
			queue = append(queue, s.Label)
		}
	}
	processed := 0
	for len(queue) > 0 {
		label := queue[0]
		queue = queue[1:]
		processed++
		for _, to := range next[label] {
			if d := depth[label] + 1; d > depth[to] {
				depth[to] = d
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if processed != len(stages) {
		return nil, errors.New("stage graph contains a cycle")
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	tiers := make([]ExecutionTier, maxDepth+1)
	for _, s := range stages {
		d := depth[s.Label]
		tiers[d].Stages = append(tiers[d].Stages, s)
	}
	return tiers, nil
}

// Chain returns edges that run the labels strictly one after another.
func Chain(labels ...string) []Edge {
	var edges []Edge
	for i := 1; i < len(labels); i++ {
		edges = append(edges, Edge{From: labels[i-1], To: labels[i]})
	}
	return edges
}

// FanOut returns edges that start every label in to once from has run.
func FanOut(from string, to ...string) []Edge {
	edges := make([]Edge, 0, len(to))
	for _, t := range to {
		edges = append(edges, Edge{From: from, To: t})
	}
	return edges
}
