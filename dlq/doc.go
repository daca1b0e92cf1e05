// Package dlq keeps a record of task attempts that failed for good: the
// retry budget ran out or the failure was not retryable. Entries preserve
// the resolved input and the final error so a failed execution can be
// diagnosed without replaying it.
//
// The engine calls [Service.Push] after it has committed the failure. The
// admin API exposes the store:
//
//   - GET  /dlq            list entries, filter by taskType or execution
//   - GET  /dlq/:entryId   one entry
//   - POST /dlq/purge      delete entries that failed before a cut-off
package dlq
