// Package engine provides the migration-engine abstraction the runner
// drives: version-ledger access, lifecycle hooks and the schema-migration
// operation. Two ledger backends ship ready to use (relational via gorm,
// document via mongo), plus a lock-guarded wrapper that serializes runs
// across replicas through a distributed lock backend (PostgreSQL advisory
// locks, redis SET NX, or a process-local mutex).
package engine
