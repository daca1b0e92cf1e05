// Package condition implements the predicate language used on conditional
// edges. A condition is a boolean expression over ${...} references,
// literals, comparisons (== != < <= > >=), boolean connectives (&& || !)
// and parentheses, for example:
//
//	${knowledge.output.confidence} < 70 || ${classify.output.urgency} == 'critical'
//
// Anything else (function calls, arithmetic, regex matching, ternaries,
// accessors) is rejected at compile time so evaluation stays pure.
package condition

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Knetic/govaluate"

	"github.com/xraph/orchestra/expr"
)

// ErrNotBoolean is returned when a condition evaluates to something other
// than a boolean.
var ErrNotBoolean = errors.New("condition: expression did not evaluate to a boolean")

// Condition is a compiled, reusable edge predicate. It is safe for
// concurrent use.
type Condition struct {
	source string
	eval   *govaluate.EvaluableExpression
	vars   map[string]expr.Ref
	order  []string
}

// Compile parses src and checks it only uses the closed grammar.
func Compile(src string) (*Condition, error) {
	c := &Condition{source: src, vars: make(map[string]expr.Ref)}
	byExpr := make(map[string]string)

	replaced := expr.Substitute(src, func(r expr.Ref) string {
		if name, ok := byExpr[r.Expression]; ok {
			return name
		}
		name := "orchestraRef" + strconv.Itoa(len(c.order))
		byExpr[r.Expression] = name
		c.vars[name] = r
		c.order = append(c.order, name)
		return name
	})

	ev, err := govaluate.NewEvaluableExpression(replaced)
	if err != nil {
		return nil, fmt.Errorf("condition: parse %q: %w", src, err)
	}
	if err := checkTokens(ev); err != nil {
		return nil, fmt.Errorf("condition: %q: %w", src, err)
	}
	for _, v := range ev.Vars() {
		if _, ok := c.vars[v]; !ok {
			return nil, fmt.Errorf("condition: %q: bare identifier %q, use ${...} references or quoted strings", src, v)
		}
	}
	c.eval = ev
	return c, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Condition {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

func checkTokens(ev *govaluate.EvaluableExpression) error {
	for _, tok := range ev.Tokens() {
		switch tok.Kind {
		case govaluate.NUMERIC, govaluate.BOOLEAN, govaluate.STRING, govaluate.VARIABLE,
			govaluate.LOGICALOP, govaluate.CLAUSE, govaluate.CLAUSE_CLOSE:
		case govaluate.COMPARATOR:
			switch tok.Value {
			case "==", "!=", "<", "<=", ">", ">=":
			default:
				return fmt.Errorf("comparator %v is not allowed", tok.Value)
			}
		case govaluate.PREFIX:
			if tok.Value != "!" && tok.Value != "-" {
				return fmt.Errorf("prefix operator %v is not allowed", tok.Value)
			}
		default:
			return fmt.Errorf("token %v (%s) is not allowed", tok.Value, tok.Kind.String())
		}
	}
	return nil
}

// String returns the source text.
func (c *Condition) String() string { return c.source }

// Refs lists the references the condition reads, in order of first use.
func (c *Condition) Refs() []expr.Ref {
	out := make([]expr.Ref, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.vars[name])
	}
	return out
}

// Evaluate resolves every reference against scope and evaluates the
// predicate. A missing reference fails with *orchestra.UnresolvedReferenceError.
func (c *Condition) Evaluate(scope expr.Scope) (bool, error) {
	params := make(map[string]any, len(c.vars))
	for name, ref := range c.vars {
		v, err := expr.Lookup(ref, scope)
		if err != nil {
			return false, err
		}
		params[name] = v
	}

	out, err := c.eval.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("condition: evaluate %q: %w", c.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q yielded %v", ErrNotBoolean, c.source, out)
	}
	return b, nil
}
