// Package scheduler decides which tasks of an execution become ready.
//
// Plan is a pure function of a compiled definition and an execution's
// current state. It only looks at tasks that have no attempt yet, so
// running it again after every event is safe: a task it already acted on
// is never proposed twice.
//
// Join semantics: a task waits until every inbound source has settled. An
// inbound edge is active when its source COMPLETED and its condition (if
// any) holds. A task with at least one active edge is scheduled; a task
// whose edges are all inactive is skipped, which in turn deactivates its
// own outbound edges.
package scheduler

import (
	"fmt"

	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/expr"
)

// Action is what the engine should do with a task.
type Action string

const (
	// ActionSchedule creates attempt 1 with Input and enqueues it.
	ActionSchedule Action = "SCHEDULE"
	// ActionSkip records the task as SKIPPED.
	ActionSkip Action = "SKIP"
	// ActionFail records the task as failed without running it, because
	// its input or an inbound condition cannot be resolved.
	ActionFail Action = "FAIL"
)

// Decision is one proposed transition.
type Decision struct {
	Action  Action
	TaskRef string
	Input   map[string]any
	Reason  string
	Err     error
}

// Plan returns the decisions for every task that can be decided now, in
// declared task order. A non-running execution yields no decisions.
func Plan(g *definition.Graph, exec *execution.Execution) []Decision {
	if exec.Status != execution.StatusRunning {
		return nil
	}
	scope := exec.Scope()

	var out []Decision
	for _, t := range g.Tasks() {
		if exec.Latest(t.Ref) != nil {
			continue
		}
		if d, ok := decide(g, exec, scope, t); ok {
			out = append(out, d)
		}
	}
	return out
}

func decide(g *definition.Graph, exec *execution.Execution, scope expr.Scope, t definition.TaskDefinition) (Decision, bool) {
	inbound := g.Inbound(t.Ref)
	for _, in := range inbound {
		if !Settled(exec, in.From) {
			return Decision{}, false
		}
	}

	active := len(inbound) == 0
	for _, in := range inbound {
		if exec.Latest(in.From).Status != execution.TaskCompleted {
			continue
		}
		if in.Cond == nil {
			active = true
			continue
		}
		ok, err := in.Cond.Evaluate(scope)
		if err != nil {
			return Decision{
				Action:  ActionFail,
				TaskRef: t.Ref,
				Reason:  fmt.Sprintf("condition on %s -> %s: %v", in.From, in.To, err),
				Err:     err,
			}, true
		}
		if ok {
			active = true
		}
	}

	if !active {
		return Decision{Action: ActionSkip, TaskRef: t.Ref, Reason: "no inbound edge is active"}, true
	}

	input, err := expr.ResolveMap(t.Input, scope)
	if err != nil {
		return Decision{
			Action:  ActionFail,
			TaskRef: t.Ref,
			Reason:  fmt.Sprintf("resolve input: %v", err),
			Err:     err,
		}, true
	}
	return Decision{Action: ActionSchedule, TaskRef: t.Ref, Input: input}, true
}

// Settled reports whether ref has reached a final state. The engine
// creates a retry in the same update that fails an attempt, so a failed
// or timed out latest attempt is final.
func Settled(exec *execution.Execution, ref string) bool {
	latest := exec.Latest(ref)
	return latest != nil && latest.Status.Terminal()
}

// Done reports whether every task of g has settled.
func Done(g *definition.Graph, exec *execution.Execution) bool {
	for _, t := range g.Tasks() {
		if !Settled(exec, t.Ref) {
			return false
		}
	}
	return true
}

// FatalFailure returns the first non-optional task, in declared order,
// whose final attempt failed or timed out.
func FatalFailure(g *definition.Graph, exec *execution.Execution) (*execution.TaskExecution, bool) {
	for _, t := range g.Tasks() {
		if t.Optional {
			continue
		}
		latest := exec.Latest(t.Ref)
		if latest == nil {
			continue
		}
		if latest.Status == execution.TaskFailed || latest.Status == execution.TaskTimedOut {
			return latest, true
		}
	}
	return nil, false
}
