// Package protocol implements the point-to-point RPC wire contract spoken
// between the supervisor and a connector or task child process, as
// newline-delimited JSON envelopes over a unix domain socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Method names a connector RPC operation on the wire.
type Method string

// The fourteen operations of the connector contract.
const (
	MethodInit          Method = "init"
	MethodFilter        Method = "filter"
	MethodList          Method = "list"
	MethodSubpaths      Method = "subpaths"
	MethodGet           Method = "get"
	MethodPlan          Method = "plan"
	MethodOpExec        Method = "op_exec"
	MethodAddrVirtToPhy Method = "addr_virt_to_phy"
	MethodAddrPhyToVirt Method = "addr_phy_to_virt"
	MethodGetSkeletons  Method = "get_skeletons"
	MethodGetDocstring  Method = "get_docstring"
	MethodEq            Method = "eq"
	MethodDiag          Method = "diag"
	MethodUnbundle      Method = "unbundle"
)

// Process-control methods, outside the resource contract.
const (
	// MethodShutdown asks the child to exit gracefully.
	MethodShutdown Method = "shutdown"

	// MethodTaskMessage delivers a typed message to a task's inbox.
	MethodTaskMessage Method = "task_message"
)

// Validate checks that the method is one the protocol defines.
func (m Method) Validate() error {
	switch m {
	case MethodInit, MethodFilter, MethodList, MethodSubpaths, MethodGet,
		MethodPlan, MethodOpExec, MethodAddrVirtToPhy, MethodAddrPhyToVirt,
		MethodGetSkeletons, MethodGetDocstring, MethodEq, MethodDiag,
		MethodUnbundle, MethodShutdown, MethodTaskMessage:
		return nil
	default:
		return fmt.Errorf("invalid method: %q", m)
	}
}

// Request is the client-to-child envelope.
type Request struct {
	ID     uint64          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate checks the request envelope.
func (r *Request) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("request id is required")
	}
	return r.Method.Validate()
}

// Response is the child-to-client envelope. Exactly one of Error and Result
// is populated; a response with neither is an empty ok.
type Response struct {
	ID     uint64          `json:"id"`
	Error  *WireError      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// WireError is an application-level failure reported by the child. Anything
// below this level (broken channel, decode failure, timeout) is a transport
// error and never appears on the wire.
type WireError struct {
	Message string `json:"message"`
}

// Per-method parameter and result payloads. []byte fields marshal as base64;
// a JSON null round-trips to a nil slice, which is how "no current state" /
// "no desired state" is distinguished from an empty body.

type FilterParams struct {
	Addr string `json:"addr"`
}

type FilterResult struct {
	Filter connector.FilterResponse `json:"filter"`
}

type ListParams struct {
	Subpath string `json:"subpath"`
}

type ListResult struct {
	Addrs []string `json:"addrs"`
}

type SubpathsResult struct {
	Subpaths []string `json:"subpaths"`
}

type GetParams struct {
	Addr string `json:"addr"`
}

type GetResult struct {
	// Exists is false when the remote resource is absent, in which case
	// the other fields are empty.
	Exists   bool                `json:"exists"`
	Resource []byte              `json:"resource,omitempty"`
	Outputs  connector.OutputMap `json:"outputs,omitempty"`
}

type PlanParams struct {
	Addr    string `json:"addr"`
	Current []byte `json:"current"`
	Desired []byte `json:"desired"`
}

type PlanResult struct {
	Ops []connector.Op `json:"ops"`
}

type OpExecParams struct {
	Addr string `json:"addr"`
	Op   string `json:"op"`
}

type OpExecResult struct {
	Outputs         connector.OutputMapExec `json:"outputs,omitempty"`
	FriendlyMessage string                  `json:"friendly_message,omitempty"`
}

type AddrParams struct {
	Addr string `json:"addr"`
}

type VirtToPhyResult struct {
	Result connector.VirtToPhyResult `json:"result"`
}

type PhyToVirtResult struct {
	// Virt is empty when no corresponding virtual address exists.
	Virt string `json:"virt,omitempty"`
}

type GetSkeletonsResult struct {
	Skeletons []connector.Skeleton `json:"skeletons"`
}

type GetDocstringParams struct {
	Addr  string             `json:"addr"`
	Ident connector.DocIdent `json:"ident"`
}

type GetDocstringResult struct {
	Markdown string `json:"markdown,omitempty"`
}

type EqParams struct {
	Addr string `json:"addr"`
	A    []byte `json:"a"`
	B    []byte `json:"b"`
}

type EqResult struct {
	Eq bool `json:"eq"`
}

type DiagParams struct {
	Addr string `json:"addr"`
	Body []byte `json:"body"`
}

type DiagResult struct {
	Diagnostics []connector.Diagnostic `json:"diagnostics,omitempty"`
}

type UnbundleParams struct {
	Addr   string `json:"addr"`
	Bundle []byte `json:"bundle"`
}

type UnbundleResult struct {
	Elements []connector.UnbundleElement `json:"elements"`
}

// TaskMessage is a typed message delivered to a running task's inbox. The
// task process defines how it reacts; the supervisor only records state
// transitions on send and on observed process exit.
type TaskMessage struct {
	// Type discriminates the message, e.g. "shut_down".
	Type string `json:"type"`

	// Body is the message payload, opaque to the supervisor.
	Body json.RawMessage `json:"body,omitempty"`
}

// TaskMessageShutDown asks a running task to wind down. On send the
// supervisor moves the task to ShuttingDown; the Dead transition happens
// only when the process exit is observed.
const TaskMessageShutDown = "shut_down"
