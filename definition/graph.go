package definition

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/condition"
	"github.com/xraph/orchestra/expr"
)

var refPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// InEdge is an inbound edge of a task together with its compiled
// condition (nil when unconditional).
type InEdge struct {
	Edge
	Cond *condition.Condition
}

// Graph is the validated, indexed form of a Definition used by the
// scheduler. It is immutable and safe for concurrent use.
type Graph struct {
	def       *Definition
	index     map[string]int
	inbound   map[string][]InEdge
	ancestors map[string]map[string]bool
}

// Definition returns the underlying definition. Callers must not mutate it.
func (g *Graph) Definition() *Definition { return g.def }

// Tasks returns the tasks in declared order.
func (g *Graph) Tasks() []TaskDefinition { return g.def.Tasks }

// Task returns the task with the given ref.
func (g *Graph) Task(ref string) (TaskDefinition, bool) {
	i, ok := g.index[ref]
	if !ok {
		return TaskDefinition{}, false
	}
	return g.def.Tasks[i], true
}

// Inbound returns the edges ending at ref, in declared edge order.
func (g *Graph) Inbound(ref string) []InEdge { return g.inbound[ref] }

// IsAncestor reports whether a is a transitive predecessor of b.
func (g *Graph) IsAncestor(a, b string) bool { return g.ancestors[b][a] }

// Validate checks d and reports every problem found, joined.
func Validate(d *Definition) error {
	_, err := Compile(d)
	return err
}

// Compile validates d and builds its Graph. Structural problems are
// reported together, wrapped in orchestra.ErrInvalidDefinition; a cycle is
// reported as *orchestra.CyclicDefinitionError.
func Compile(d *Definition) (*Graph, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil definition", orchestra.ErrInvalidDefinition)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", orchestra.ErrInvalidDefinition, d.Key(), fmt.Sprintf(format, args...)))
	}

	if d.Name == "" {
		fail("name is required")
	}
	if d.Version < 1 {
		fail("version must be >= 1")
	}
	if len(d.Tasks) == 0 {
		fail("at least one task is required")
	}

	g := &Graph{
		def:       d,
		index:     make(map[string]int, len(d.Tasks)),
		inbound:   make(map[string][]InEdge, len(d.Tasks)),
		ancestors: make(map[string]map[string]bool, len(d.Tasks)),
	}

	for i, t := range d.Tasks {
		switch {
		case t.Ref == "":
			fail("task %d has no taskRefName", i)
			continue
		case !refPattern.MatchString(t.Ref):
			fail("task ref %q must match %s", t.Ref, refPattern)
		case t.Ref == expr.ReservedRef:
			fail("task ref %q is reserved", t.Ref)
		}
		if _, dup := g.index[t.Ref]; dup {
			fail("duplicate task ref %q", t.Ref)
			continue
		}
		g.index[t.Ref] = i
		if t.Type == "" {
			fail("task %q has no taskType", t.Ref)
		}
		if t.Retry.MaxAttempts < 0 {
			fail("task %q: maxAttempts must not be negative", t.Ref)
		}
		if !t.Retry.Backoff.Valid() {
			fail("task %q: unknown backoff %q", t.Ref, t.Retry.Backoff)
		}
		if t.Timeout < 0 {
			fail("task %q: timeout must not be negative", t.Ref)
		}
	}

	outbound := make(map[string][]string, len(d.Tasks))
	seen := make(map[[2]string]bool, len(d.Edges))
	for _, e := range d.Edges {
		_, okFrom := g.index[e.From]
		_, okTo := g.index[e.To]
		if !okFrom || !okTo {
			fail("edge %s -> %s references an unknown task", e.From, e.To)
			continue
		}
		if e.From == e.To {
			fail("edge %s -> %s is a self-loop", e.From, e.To)
			continue
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			fail("duplicate edge %s -> %s", e.From, e.To)
			continue
		}
		seen[key] = true

		in := InEdge{Edge: e}
		if e.Condition != "" {
			c, err := condition.Compile(e.Condition)
			if err != nil {
				fail("edge %s -> %s: %v", e.From, e.To, err)
				continue
			}
			in.Cond = c
		}
		g.inbound[e.To] = append(g.inbound[e.To], in)
		outbound[e.From] = append(outbound[e.From], e.To)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	order, cycle := topoSort(d.Tasks, outbound, g.inbound)
	if cycle != nil {
		return nil, &orchestra.CyclicDefinitionError{Definition: d.Key(), Path: cycle}
	}

	for _, ref := range order {
		anc := make(map[string]bool)
		for _, in := range g.inbound[ref] {
			anc[in.From] = true
			for a := range g.ancestors[in.From] {
				anc[a] = true
			}
		}
		g.ancestors[ref] = anc
	}

	// References may only point at the workflow input or at tasks that
	// are guaranteed to have settled first.
	for _, t := range d.Tasks {
		for _, r := range expr.Refs(t.Input) {
			if !r.IsInput() && !g.ancestors[t.Ref][r.Scope] {
				fail("task %q input references %s, which is not an upstream task", t.Ref, r.Expression)
			}
		}
		for _, in := range g.inbound[t.Ref] {
			if in.Cond == nil {
				continue
			}
			for _, r := range in.Cond.Refs() {
				if !r.IsInput() && r.Scope != in.From && !g.ancestors[t.Ref][r.Scope] {
					fail("edge %s -> %s condition references %s, which is not an upstream task", in.From, in.To, r.Expression)
				}
			}
		}
	}
	for _, r := range expr.Refs(d.Output) {
		if _, ok := g.index[r.Scope]; !r.IsInput() && !ok {
			fail("output references unknown task in %s", r.Expression)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return g, nil
}

// topoSort runs Kahn's algorithm, seeding and releasing nodes in declared
// order. When nodes remain it returns a deterministic cycle among them.
func topoSort(tasks []TaskDefinition, outbound map[string][]string, inbound map[string][]InEdge) ([]string, []string) {
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		indegree[t.Ref] = len(inbound[t.Ref])
	}

	var queue, order []string
	for _, t := range tasks {
		if indegree[t.Ref] == 0 {
			queue = append(queue, t.Ref)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, m := range outbound[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if len(order) == len(tasks) {
		return order, nil
	}

	remaining := make(map[string]bool)
	for _, t := range tasks {
		if indegree[t.Ref] > 0 {
			remaining[t.Ref] = true
		}
	}
	for _, t := range tasks {
		if remaining[t.Ref] {
			if c := findCycle(t.Ref, outbound, remaining); c != nil {
				return nil, c
			}
		}
	}
	return nil, []string{}
}

func findCycle(start string, outbound map[string][]string, remaining map[string]bool) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range outbound[n] {
			if !remaining[m] {
				continue
			}
			switch color[m] {
			case grey:
				for i, s := range stack {
					if s == m {
						cycle = append(append([]string{}, stack[i:]...), m)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	visit(start)
	return cycle
}
