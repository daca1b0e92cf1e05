// Package definition models workflow definitions: immutable DAG templates of
// tasks joined by (optionally conditional) edges. Definitions are built with
// the Builder or loaded from JSON/YAML, and validated by Compile before they
// are registered.
package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/orchestra/backoff"
)

// Definition is a versioned workflow template.
type Definition struct {
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerEmail  string           `json:"ownerEmail,omitempty" yaml:"ownerEmail,omitempty"`
	Tasks       []TaskDefinition `json:"tasks" yaml:"tasks"`
	Edges       []Edge           `json:"edges,omitempty" yaml:"edges,omitempty"`
	// Output is resolved against the final context when the execution
	// completes.
	Output    map[string]any `json:"output,omitempty" yaml:"output,omitempty"`
	CreatedAt time.Time      `json:"createdAt" yaml:"-"`
}

// TaskDefinition is one node of the DAG.
type TaskDefinition struct {
	Ref         string         `json:"taskRefName" yaml:"taskRefName"`
	Type        string         `json:"taskType" yaml:"taskType"`
	Domain      string         `json:"domain,omitempty" yaml:"domain,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Retry       RetryPolicy    `json:"retry" yaml:"retry,omitempty"`
	// Timeout bounds one attempt, measured from when it was first leased.
	// Zero falls back to the engine default.
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Optional bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Edge orders To after From. When Condition is set, To only runs if it
// evaluates true once From has completed.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// BackoffShape names a retry delay curve.
type BackoffShape string

const (
	BackoffFixed             BackoffShape = "fixed"
	BackoffLinear            BackoffShape = "linear"
	BackoffExponential       BackoffShape = "exponential"
	BackoffExponentialJitter BackoffShape = "exponential_jitter"
)

// Valid reports whether s is a known shape. Empty means the default.
func (s BackoffShape) Valid() bool {
	switch s {
	case "", BackoffFixed, BackoffLinear, BackoffExponential, BackoffExponentialJitter:
		return true
	}
	return false
}

// RetryPolicy bounds how often a failed task is attempted.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; zero or one means no retries.
	MaxAttempts  int          `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Backoff      BackoffShape `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	InitialDelay Duration     `json:"initialDelay,omitempty" yaml:"initialDelay,omitempty"`
	MaxDelay     Duration     `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
}

// Attempts returns the effective attempt budget (at least 1).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Strategy returns the backoff strategy described by the policy. Unset
// delays default to 1s initial and 1m max.
func (p RetryPolicy) Strategy() backoff.Strategy {
	initial := time.Duration(p.InitialDelay)
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := time.Duration(p.MaxDelay)
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	switch p.Backoff {
	case BackoffFixed:
		return backoff.NewConstant(initial)
	case BackoffLinear:
		return backoff.NewLinear(initial, maxDelay)
	case BackoffExponential:
		return backoff.NewExponential(initial, maxDelay)
	default:
		return backoff.NewExponentialWithJitter(initial, maxDelay)
	}
}

// Task returns the task with the given ref.
func (d *Definition) Task(ref string) (TaskDefinition, bool) {
	for _, t := range d.Tasks {
		if t.Ref == ref {
			return t, true
		}
	}
	return TaskDefinition{}, false
}

// Key returns "name@version".
func (d *Definition) Key() string { return fmt.Sprintf("%s@%d", d.Name, d.Version) }

// Clone returns a deep copy via the JSON model.
func (d *Definition) Clone() *Definition {
	data, err := json.Marshal(d)
	if err != nil {
		cp := *d
		return &cp
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *d
		return &cp
	}
	return &out
}

// ──────────────────────────────────────────────────
// Duration
// ──────────────────────────────────────────────────

// Duration is a time.Duration that serializes as a Go duration string
// ("30s", "5m") in JSON and YAML. Plain numbers are read as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("definition: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("definition: invalid duration %v", raw)
	}
	return nil
}
