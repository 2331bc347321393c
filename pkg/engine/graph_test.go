package engine

import (
	"sort"
	"strings"
	"testing"
)

func graphPlan(steps ...StepSpec) *Plan {
	return &Plan{Name: "graph-test", Steps: steps}
}

func TestBuildGraphLevels(t *testing.T) {
	g, err := BuildGraph(graphPlan(
		testStep("a"),
		testStep("b"),
		testStep("c", "a", "b"),
		testStep("d", "c"),
		testStep("e", "c"),
	))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	want := [][]string{
		{"a", "b"},
		{"c"},
		{"d", "e"},
	}
	if len(g.Levels) != len(want) {
		t.Fatalf("expected %d levels, got %v", len(want), g.Levels)
	}
	for i, level := range want {
		if len(g.Levels[i]) != len(level) {
			t.Fatalf("level %d = %v, want %v", i, g.Levels[i], level)
		}
		for j, id := range level {
			if g.Levels[i][j] != id {
				t.Errorf("level %d = %v, want %v", i, g.Levels[i], level)
				break
			}
		}
	}
}

func TestBuildGraphKeepsDocumentOrderWithinLevel(t *testing.T) {
	g, err := BuildGraph(graphPlan(
		testStep("zeta"),
		testStep("alpha"),
		testStep("mid"),
	))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	if len(g.Levels) != 1 {
		t.Fatalf("expected one level, got %v", g.Levels)
	}
	got := g.Levels[0]
	if got[0] != "zeta" || got[1] != "alpha" || got[2] != "mid" {
		t.Errorf("independent steps must keep plan order, got %v", got)
	}
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	_, err := BuildGraph(graphPlan(
		testStep("a", "c"),
		testStep("b", "a"),
		testStep("c", "b"),
	))
	if !IsInvalidStepSpec(err) {
		t.Fatalf("expected invalid step spec, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("cycle error should name the cycle, got %q", err.Error())
	}
}

func TestBuildGraphRejectsSelfDependency(t *testing.T) {
	_, err := BuildGraph(graphPlan(testStep("a", "a")))
	if !IsInvalidStepSpec(err) {
		t.Fatalf("expected invalid step spec, got %v", err)
	}
	if !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph(graphPlan(testStep("a", "ghost")))
	if !IsInvalidStepSpec(err) {
		t.Fatalf("expected invalid step spec, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown step ghost") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestBuildGraphRejectsDuplicateID(t *testing.T) {
	_, err := BuildGraph(graphPlan(testStep("a"), testStep("a")))
	if !IsInvalidStepSpec(err) {
		t.Fatalf("expected invalid step spec, got %v", err)
	}
	if !strings.Contains(err.Error(), "duplicate step id") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestBuildGraphRejectsEmptyID(t *testing.T) {
	_, err := BuildGraph(graphPlan(testStep("")))
	if !IsInvalidStepSpec(err) {
		t.Fatalf("expected invalid step spec, got %v", err)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g, err := BuildGraph(graphPlan(
		testStep("a"),
		testStep("b", "a"),
		testStep("c", "b"),
		testStep("d", "a"),
		testStep("e"),
	))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	got := g.TransitiveDependents("a")
	sort.Strings(got)
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("dependents of a = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dependents of a = %v, want %v", got, want)
		}
	}

	if deps := g.TransitiveDependents("e"); len(deps) != 0 {
		t.Errorf("e has no dependents, got %v", deps)
	}
}
