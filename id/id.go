// Package id defines the TypeID identifiers used by Orchestra.
//
// All ids share one ID type; the prefix names the entity ("wfex" for an
// execution, "lease" for a lease token). IDs sort by creation time
// (UUIDv7) and render as "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix is the entity part of a TypeID.
type Prefix string

const (
	PrefixExecution Prefix = "wfex"
	PrefixWorker    Prefix = "wkr"
	PrefixDLQ       Prefix = "dlq"
	PrefixLease     Prefix = "lease"
)

// ID is a prefixed TypeID. The zero value is Nil and encodes as an empty
// string in JSON and as NULL in SQL.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID.
var Nil ID

// Aliases document which entity an ID field refers to.
type (
	// ExecutionID identifies a workflow execution.
	ExecutionID = ID
	// WorkerID identifies a polling worker process.
	WorkerID = ID
	// DLQID identifies a dead letter entry.
	DLQID = ID
	// LeaseID is the token a worker presents on heartbeat and report.
	LeaseID = ID
)

// New generates an ID. An invalid prefix is a programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewExecutionID() ID { return New(PrefixExecution) }
func NewWorkerID() ID    { return New(PrefixWorker) }
func NewDLQID() ID       { return New(PrefixDLQ) }
func NewLeaseID() ID     { return New(PrefixLease) }

// Parse parses any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and requires the given prefix.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return parsed, nil
}

func ParseExecutionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixExecution) }
func ParseWorkerID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixWorker) }
func ParseDLQID(s string) (ID, error)       { return ParseWithPrefix(s, PrefixDLQ) }
func ParseLeaseID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixLease) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value stores Nil as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan accepts NULL, string and []byte columns. NULL and "" scan to Nil.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
