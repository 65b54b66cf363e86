// Package connector defines the contract every connector process implements.
//
// A connector is an isolated plugin process that manages one class of remote
// resources. The engine is polymorphic over the single capability set defined
// by the Connector interface: it holds only a channel-backed handle, never a
// concrete type. Fourteen operations make up the contract:
//
//	Init, Filter, List, Subpaths, Get, Plan, OpExec,
//	AddrVirtToPhy, AddrPhyToVirt, GetSkeletons, GetDocstring,
//	Eq, Diag, Unbundle
//
// Addresses are opaque string paths, unique within a prefix. The same
// logical resource has a virtual address (as laid out in the repository)
// and a physical address (as understood by the remote system); the connector
// defines the bidirectional mapping between the two.
//
// Errors follow a fixed taxonomy (transport, application, unresolved
// dependency, cycle, spawn); see the Error type. Transport and application
// failures must be distinguished by every caller: the former marks the
// handle dead and is retryable after relaunch, the latter is a definitive
// connector verdict.
package connector
