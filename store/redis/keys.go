package redis

// Redis key naming conventions. All keys are prefixed with "orchestra:" to
// avoid collisions.

const keyPrefix = "orchestra:"

// ── Definition keys ──

// definitionKey returns the Hash of versions for a definition name:
// orchestra:def:{name}, field = version, value = JSON document.
func definitionKey(name string) string { return keyPrefix + "def:" + name }

// definitionNamesKey is the Set of registered definition names.
const definitionNamesKey = keyPrefix + "def_names"

// ── Execution keys ──

// executionKey returns the Hash for one execution: orchestra:exec:{id}
func executionKey(id string) string { return keyPrefix + "exec:" + id }

// executionIDsKey is the Sorted Set of execution IDs scored by creation
// time in microseconds.
const executionIDsKey = keyPrefix + "exec_ids"

// ── Queue keys ──

// entryKeyPrefix prefixes queue entry Hashes: orchestra:entry:{exec/ref/attempt}
const entryKeyPrefix = keyPrefix + "entry:"

func entryKey(member string) string { return entryKeyPrefix + member }

// readyKeyPrefix prefixes the Sorted Sets of visible entries, scored by
// VisibleAt: orchestra:ready:{taskType}:{domain}
const readyKeyPrefix = keyPrefix + "ready:"

func readyKey(taskType, domain string) string { return readyKeyPrefix + taskType + ":" + domain }

// typeKeyPrefix prefixes the Set of all entries of a task type, used for
// depth: orchestra:type:{taskType}
const typeKeyPrefix = keyPrefix + "type:"

func typeKey(taskType string) string { return typeKeyPrefix + taskType }

// leasesKey is the Sorted Set of leased entries scored by lease expiry.
const leasesKey = keyPrefix + "leases"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry: orchestra:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Sorted Set of DLQ entry IDs scored by failure time.
const dlqIDsKey = keyPrefix + "dlq_ids"
