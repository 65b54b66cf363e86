// Package outputs holds the per-run outputs store and its durable
// counterpart, the output map files committed under `{prefix}/.outputs/`.
//
// The Store maps (addr, key) pairs to values produced by Get and OpExec
// within one reconciliation run. It is never persisted by the engine: the
// on-disk output map files written back into the repository are the only
// memory that survives across runs, and a fresh Store is seeded from them
// at run start via LoadPrefix.
//
// The waiter index inside the Store is what makes deferred address
// resolution event-driven: a resolution blocked on missing (addr, key) pairs
// subscribes to exactly those pairs and is woken when a completing operation
// publishes one of them.
package outputs
