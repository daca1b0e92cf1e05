// Package postgres implements store.Store using pgx/v5 with raw SQL.
// Executions are stored as jsonb documents guarded by a revision column;
// queue entries are leased with SELECT ... FOR UPDATE SKIP LOCKED. Schema
// changes live in embedded SQL migrations.
package postgres
