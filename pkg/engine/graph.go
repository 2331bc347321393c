package engine

import (
	"fmt"
	"strings"
)

// StepGraph is the dependency graph of a plan, with steps grouped into
// topological levels. The runner executes levels in order and steps within
// a level in plan document order, strictly one at a time.
type StepGraph struct {
	// Levels holds step IDs grouped by topological depth.
	Levels [][]string

	// Dependents maps a step ID to the IDs that depend on it.
	Dependents map[string][]string
}

// graphBuilder validates a plan's dependency structure and computes
// execution levels using Kahn's algorithm, with DFS cycle detection for
// readable cycle errors.
type graphBuilder struct {
	steps    map[string]*StepSpec
	order    map[string]int // document order, for stable levels
	adjacent map[string][]string
	inDegree map[string]int
}

// BuildGraph constructs the execution graph for a plan. It fails with
// InvalidStepSpec on empty or duplicate IDs, unresolved dependencies, and
// cycles.
func BuildGraph(p *Plan) (*StepGraph, error) {
	b := &graphBuilder{
		steps:    make(map[string]*StepSpec, len(p.Steps)),
		order:    make(map[string]int, len(p.Steps)),
		adjacent: make(map[string][]string),
		inDegree: make(map[string]int),
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return nil, NewInvalidStepSpec("step has empty id", nil)
		}
		if _, exists := b.steps[step.ID]; exists {
			return nil, NewInvalidStepSpec(fmt.Sprintf("duplicate step id: %s", step.ID), nil)
		}
		b.steps[step.ID] = step
		b.order[step.ID] = i
		b.adjacent[step.ID] = nil
		b.inDegree[step.ID] = 0
	}

	for _, step := range b.steps {
		for _, dep := range step.DependsOn {
			if _, exists := b.steps[dep]; !exists {
				return nil, NewInvalidStepSpec(
					fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep), nil,
				).WithStep(step.ID)
			}
			if dep == step.ID {
				return nil, NewInvalidStepSpec(
					fmt.Sprintf("step %s depends on itself", step.ID), nil,
				).WithStep(step.ID)
			}
			b.adjacent[dep] = append(b.adjacent[dep], step.ID)
			b.inDegree[step.ID]++
		}
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	levels, err := b.computeLevels()
	if err != nil {
		return nil, err
	}

	g := &StepGraph{
		Levels:     levels,
		Dependents: make(map[string][]string, len(b.adjacent)),
	}
	for id, deps := range b.adjacent {
		g.Dependents[id] = deps
	}
	return g, nil
}

// detectCycles runs DFS over the dependency edges and reports the cycle
// path on failure.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		visited[id] = true
		inStack[id] = true
		path = append(path, id)

		for _, next := range b.adjacent[id] {
			if !visited[next] {
				if err := visit(next, path); err != nil {
					return err
				}
			} else if inStack[next] {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				return NewInvalidStepSpec(
					"dependency cycle detected: "+strings.Join(cycle, " -> "), nil)
			}
		}

		inStack[id] = false
		return nil
	}

	for id := range b.steps {
		if !visited[id] {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels assigns each step a topological level via Kahn's
// algorithm. Steps within a level are ordered by document position so runs
// are deterministic.
func (b *graphBuilder) computeLevels() ([][]string, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 && len(b.steps) > 0 {
		return nil, NewInvalidStepSpec("no root steps: every step has dependencies", nil)
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		b.sortByOrder(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.adjacent[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// Unreachable if cycle detection ran first.
	if processed != len(b.steps) {
		return nil, NewInvalidStepSpec("failed to order all steps", nil)
	}
	return levels, nil
}

func (b *graphBuilder) sortByOrder(ids []string) {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if b.order[ids[i]] > b.order[ids[j]] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
}

// TransitiveDependents returns every step reachable from id along
// dependency edges. Used to block dependents of a failed step.
func (g *StepGraph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	queue := append([]string{}, g.Dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.Dependents[next]...)
	}
	return out
}
