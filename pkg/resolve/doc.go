// Package resolve implements the address resolution engine.
//
// Resolution forms an implicit dependency graph over resource addresses:
// a virtual address deferred on another resource's outputs is re-evaluated
// when those outputs arrive, via the outputs store's waiter index. There is
// no polling loop; liveness comes from publish-on-write wakeups, and safety
// from the producible-set check (outputs nothing in the run can produce fail
// immediately) plus a per-address pass cap that turns dependency cycles into
// errors instead of livelock.
package resolve
