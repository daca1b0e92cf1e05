// Package expr resolves ${...} reference expressions inside task input
// templates against an execution's workflow input and accumulated task
// outputs.
//
// Grammar:
//
//	${workflow.input.path}
//	${taskRef.output.path}
//	${taskRef.path}            (".output" is optional)
//
// where path is a sequence of ".field" and "[index]" segments. Resolution is
// pure: templates are never mutated and the same template resolved against
// the same scope always yields the same value.
package expr

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/xraph/orchestra"
)

// WorkflowInput is the reserved scope name for the execution's input payload.
const WorkflowInput = "workflow.input"

// ReservedRef may not be used as a task ref, since "${workflow.input}"
// would shadow it.
const ReservedRef = "workflow"

var (
	referencePattern = regexp.MustCompile(`\$\{(workflow\.input|[A-Za-z0-9_]+)(\.output)?((?:\.[A-Za-z0-9_]+|\[[0-9]+\])*)\}`)
	segmentPattern   = regexp.MustCompile(`\.([A-Za-z0-9_]+)|\[([0-9]+)\]`)
)

// Outputs gives read access to completed task outputs keyed by task ref.
type Outputs interface {
	Lookup(ref string) (any, bool)
}

// MapOutputs adapts a plain map to Outputs.
type MapOutputs map[string]any

// Lookup implements Outputs.
func (m MapOutputs) Lookup(ref string) (any, bool) {
	v, ok := m[ref]
	return v, ok
}

// Scope is everything a template may reference.
type Scope struct {
	Input   map[string]any
	Outputs Outputs
}

// Segment is one step of a reference path.
type Segment struct {
	Field   string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return "." + s.Field
}

// Ref is one parsed ${...} expression.
type Ref struct {
	Expression string
	// Scope is WorkflowInput or a task ref.
	Scope string
	Path  []Segment
}

// IsInput reports whether the reference points at the workflow input.
func (r Ref) IsInput() bool { return r.Scope == WorkflowInput }

// Parse extracts every reference expression contained in s, in order of
// appearance.
func Parse(s string) []Ref {
	matches := referencePattern.FindAllStringSubmatch(s, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, newRef(m))
	}
	return refs
}

func newRef(m []string) Ref {
	ref := Ref{Expression: m[0], Scope: m[1]}
	for _, seg := range segmentPattern.FindAllStringSubmatch(m[3], -1) {
		if seg[1] != "" {
			ref.Path = append(ref.Path, Segment{Field: seg[1]})
			continue
		}
		n, _ := strconv.Atoi(seg[2])
		ref.Path = append(ref.Path, Segment{Index: n, IsIndex: true})
	}
	return ref
}

// Refs walks a template and returns every reference it contains.
func Refs(template any) []Ref {
	var out []Ref
	walk(template, func(s string) {
		out = append(out, Parse(s)...)
	})
	return out
}

func walk(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, child := range t {
			walk(child, fn)
		}
	case []any:
		for _, child := range t {
			walk(child, fn)
		}
	}
}

// Resolve evaluates every expression in template against scope. Maps and
// slices are resolved element-wise; other literals pass through. A string
// consisting of a single expression is replaced by the referenced value;
// otherwise expressions are interpolated into the string.
func Resolve(template any, scope Scope) (any, error) {
	switch t := template.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			v, err := Resolve(child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			v, err := Resolve(child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return template, nil
	}
}

// ResolveMap is Resolve for the common map-shaped input template.
func ResolveMap(template map[string]any, scope Scope) (map[string]any, error) {
	if template == nil {
		return map[string]any{}, nil
	}
	v, err := Resolve(template, scope)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Lookup resolves a single parsed reference.
func Lookup(ref Ref, scope Scope) (any, error) {
	var cur any
	if ref.IsInput() {
		if scope.Input == nil && len(ref.Path) > 0 {
			return nil, &orchestra.UnresolvedReferenceError{
				Expression: ref.Expression,
				Segment:    WorkflowInput,
				Reason:     "workflow input is empty",
			}
		}
		cur = scope.Input
	} else {
		var ok bool
		if scope.Outputs != nil {
			cur, ok = scope.Outputs.Lookup(ref.Scope)
		}
		if !ok {
			return nil, &orchestra.UnresolvedReferenceError{
				Expression: ref.Expression,
				Segment:    ref.Scope,
				Reason:     "task has no output",
			}
		}
	}

	for _, seg := range ref.Path {
		next, err := step(cur, seg)
		if err != nil {
			return nil, &orchestra.UnresolvedReferenceError{
				Expression: ref.Expression,
				Segment:    seg.String(),
				Reason:     err.Error(),
			}
		}
		cur = next
	}
	return deepCopy(cur), nil
}

type stepError string

func (e stepError) Error() string { return string(e) }

func step(cur any, seg Segment) (any, error) {
	if seg.IsIndex {
		list, ok := cur.([]any)
		if !ok {
			return nil, stepError("value is not a sequence")
		}
		if seg.Index >= len(list) {
			return nil, stepError("index out of range")
		}
		return list[seg.Index], nil
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, stepError("value is not an object")
	}
	v, ok := obj[seg.Field]
	if !ok {
		return nil, stepError("field does not exist")
	}
	return v, nil
}

func resolveString(s string, scope Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	locs := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s, nil
	}

	// Whole-string reference keeps the value's type.
	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		return Lookup(newRef(submatches(s, locs[0])), scope)
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(s[last:loc[0]])
		v, err := Lookup(newRef(submatches(s, loc)), scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(format(v))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}

// Substitute replaces every reference in s with the string returned by fn.
func Substitute(s string, fn func(Ref) string) string {
	return referencePattern.ReplaceAllStringFunc(s, func(m string) string {
		return fn(newRef(referencePattern.FindStringSubmatch(m)))
	})
}
