// Package engine plans and executes resource changes across connectors.
//
// Desired state lives as files under a prefix directory; connectors own the
// remote side and are reached through the supervisor. Planning classifies
// each file, resolves its address, fetches remote state and asks the
// connector for the operations that reconcile the two. Execution runs those
// operations under a bounded worker pool, publishing operation outputs as
// they land so resources deferred on `out://` references can resume.
//
// Execution is forward-only: a failed resource abandons its remaining
// operations and skips the rest of its group, but nothing is rolled back.
package engine
