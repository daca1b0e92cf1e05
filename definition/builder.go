package definition

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/orchestra"
)

// Builder assembles a Definition through explicit calls. Errors are
// accumulated and reported by Build, so calls can be chained:
//
//	def, err := definition.New("customer_support_triage", 1).
//	    Task("classify", "llm_classify", input).
//	    Task("knowledge", "llm_search", input2).
//	    Task("escalate", "evaluate_escalation", nil).
//	    Edge("classify", "knowledge").
//	    EdgeIf("knowledge", "escalate", "${knowledge.confidence} < 70").
//	    Build()
type Builder struct {
	def  Definition
	errs []error
}

// TaskOption customizes a task added through the Builder.
type TaskOption func(*TaskDefinition)

// New starts a definition with the given name and version.
func New(name string, version int) *Builder {
	return &Builder{def: Definition{Name: name, Version: version}}
}

// Describe sets the human-readable description.
func (b *Builder) Describe(s string) *Builder {
	b.def.Description = s
	return b
}

// Owner sets the owner contact.
func (b *Builder) Owner(email string) *Builder {
	b.def.OwnerEmail = email
	return b
}

// Task appends a task. Tasks are scheduled in declared order when several
// become ready at once.
func (b *Builder) Task(ref, taskType string, input map[string]any, opts ...TaskOption) *Builder {
	t := TaskDefinition{Ref: ref, Type: taskType, Input: input}
	for _, opt := range opts {
		opt(&t)
	}
	return b.AddTask(t)
}

// AddTask appends a fully specified task.
func (b *Builder) AddTask(t TaskDefinition) *Builder {
	if _, exists := b.def.Task(t.Ref); exists && t.Ref != "" {
		b.errs = append(b.errs, fmt.Errorf("%w: duplicate task ref %q", orchestra.ErrInvalidDefinition, t.Ref))
		return b
	}
	b.def.Tasks = append(b.def.Tasks, t)
	return b
}

// Edge makes to depend on from.
func (b *Builder) Edge(from, to string) *Builder {
	return b.EdgeIf(from, to, "")
}

// EdgeIf makes to depend on from and only run when cond holds.
func (b *Builder) EdgeIf(from, to, cond string) *Builder {
	b.def.Edges = append(b.def.Edges, Edge{From: from, To: to, Condition: cond})
	return b
}

// Chain adds unconditional edges between consecutive refs.
func (b *Builder) Chain(refs ...string) *Builder {
	for i := 1; i < len(refs); i++ {
		b.Edge(refs[i-1], refs[i])
	}
	return b
}

// Output sets the template resolved into the execution output on
// completion.
func (b *Builder) Output(template map[string]any) *Builder {
	b.def.Output = template
	return b
}

// Build validates the definition and returns an independent copy of it.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	d := b.def.Clone()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// MustBuild is like Build but panics on error. Intended for tests and
// statically known definitions.
func (b *Builder) MustBuild() *Definition {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// ──────────────────────────────────────────────────
// Task options
// ──────────────────────────────────────────────────

// WithRetry sets the retry policy.
func WithRetry(maxAttempts int, shape BackoffShape, initial, maxDelay time.Duration) TaskOption {
	return func(t *TaskDefinition) {
		t.Retry = RetryPolicy{
			MaxAttempts:  maxAttempts,
			Backoff:      shape,
			InitialDelay: Duration(initial),
			MaxDelay:     Duration(maxDelay),
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *TaskDefinition) { t.Timeout = Duration(d) }
}

// WithDomain routes the task to workers polling the given domain.
func WithDomain(domain string) TaskOption {
	return func(t *TaskDefinition) { t.Domain = domain }
}

// WithDescription documents the task.
func WithDescription(s string) TaskOption {
	return func(t *TaskDefinition) { t.Description = s }
}

// Optional marks the task so that its final failure does not fail the
// execution; downstream edges treat it as skipped.
func Optional() TaskOption {
	return func(t *TaskDefinition) { t.Optional = true }
}
