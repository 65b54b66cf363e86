// Package supervisor manages connector and task child processes.
//
// Each connector is an external binary spawned on demand and reached over a
// unix domain socket. The supervisor guarantees a single live handle per
// (prefix, name) key: concurrent spawn requests coalesce, a handle that
// suffers a transport failure is marked dead and stays dead until an
// explicit relaunch, and every child is health-sampled from procfs on a
// fixed interval.
//
// Tasks follow a small lifecycle (idle, running, shutting_down, dead) and
// receive free-form messages instead of resource RPCs. On Linux, children
// can be confined to fresh namespaces when sandboxing is enabled.
package supervisor
