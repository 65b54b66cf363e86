// Package stores provides the run history persistence layer for
// autoschematic. It includes SQLite-based storage with WAL mode,
// connection pooling, and CRUD operations for runs, per-resource
// outcomes, and append-only run events.
package stores
