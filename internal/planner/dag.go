package planner

import (
	"fmt"
	"sort"

	"github.com/ob-poc/runbook-engine/internal/errcode"
)

// AssemblyError is the Plan Builder's structural failure type: an
// unsatisfiable dependency or a cycle. Pack and policy rejections are
// ConstraintViolationError instead.
type AssemblyError struct {
	*errcode.Err
}

// assembleDAG orders a set of step requests by produces/consumes
// dependency, one stage at a time: a request can run in the current
// stage once every binding key it consumes has already been produced
// by an earlier stage. A stage that makes no progress (no remaining
// request has all of its consumed keys satisfied) means the remaining
// requests form a cycle.
func assembleDAG(requests []StepRequest) ([]StepRequest, error) {
	remaining := make([]StepRequest, len(requests))
	copy(remaining, requests)

	producible := make(map[string]bool)
	for _, req := range requests {
		for _, p := range req.Produces {
			producible[p] = true
		}
	}
	for _, req := range requests {
		for _, c := range req.Consumes {
			if !producible[c] {
				return nil, &AssemblyError{errcode.New(errcode.VRefMissingDependency,
					fmt.Sprintf("step %s consumes binding %q that no step in the plan produces", req.Verb, c))}
			}
		}
	}

	produced := make(map[string]bool)
	var ordered []StepRequest

	for len(remaining) > 0 {
		var stage []StepRequest
		var stillRemaining []StepRequest

		for _, req := range remaining {
			if allSatisfied(req.Consumes, produced) {
				stage = append(stage, req)
			} else {
				stillRemaining = append(stillRemaining, req)
			}
		}

		if len(stage) == 0 {
			return nil, &AssemblyError{errcode.New(errcode.VRefCircularDependency,
				fmt.Sprintf("circular dependency detected among %d remaining steps", len(remaining)))}
		}

		// Deterministic freeze order within a stage.
		sort.Slice(stage, func(i, j int) bool { return stage[i].Verb < stage[j].Verb })

		for _, req := range stage {
			for _, p := range req.Produces {
				produced[p] = true
			}
		}

		ordered = append(ordered, stage...)
		remaining = stillRemaining
	}

	return ordered, nil
}

func allSatisfied(consumes []string, produced map[string]bool) bool {
	for _, c := range consumes {
		if !produced[c] {
			return false
		}
	}
	return true
}

// writeSet derives the sorted, deduplicated union of every step's lock
// keys — the keys the Execution Gate must hold, in this exact order,
// before running the runbook. Sorting here (rather than at acquisition
// time) is what makes cross-runbook lock acquisition deadlock-free by
// construction: every acquirer that touches an overlapping key set
// takes those keys in the same global order.
func writeSet(steps []CompiledStep) []string {
	set := make(map[string]bool)
	for _, s := range steps {
		for _, k := range s.LockKeys {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
