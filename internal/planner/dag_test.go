package planner

import "testing"

func TestAssembleDAGOrdersByDependency(t *testing.T) {
	reqs := []StepRequest{
		{Verb: "kyc.start", Produces: []string{"kyc_case"}, Consumes: []string{"case"}},
		{Verb: "case.create", Produces: []string{"case"}},
	}

	ordered, err := assembleDAG(reqs)
	if err != nil {
		t.Fatalf("assembleDAG: %v", err)
	}
	if len(ordered) != 2 || ordered[0].Verb != "case.create" || ordered[1].Verb != "kyc.start" {
		t.Fatalf("unexpected order: %+v", ordered)
	}
}

func TestAssembleDAGDetectsCycle(t *testing.T) {
	reqs := []StepRequest{
		{Verb: "a", Produces: []string{"x"}, Consumes: []string{"y"}},
		{Verb: "b", Produces: []string{"y"}, Consumes: []string{"x"}},
	}

	if _, err := assembleDAG(reqs); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestWriteSetIsSortedAndDeduplicated(t *testing.T) {
	steps := []CompiledStep{
		{LockKeys: []string{"b", "a"}},
		{LockKeys: []string{"a", "c"}},
	}
	ws := writeSet(steps)
	if len(ws) != 3 || ws[0] != "a" || ws[1] != "b" || ws[2] != "c" {
		t.Fatalf("unexpected write set: %v", ws)
	}
}
