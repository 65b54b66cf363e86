package connector

import (
	"fmt"
	"path"
	"strings"
)

// FilterResponse classifies an address within a prefix.
type FilterResponse string

const (
	// FilterConfig marks a configuration file controlling the connector.
	// Modifying a config file invalidates any cached filter decisions.
	FilterConfig FilterResponse = "config"

	// FilterResource marks a file holding a resource managed by the connector.
	FilterResource FilterResponse = "resource"

	// FilterBundle marks a file that expands into multiple resources
	// via Unbundle before planning.
	FilterBundle FilterResponse = "bundle"

	// FilterTask marks a file defining a long-running task.
	FilterTask FilterResponse = "task"

	// FilterNone means the connector does not own this address;
	// the engine tries the next connector in the prefix.
	FilterNone FilterResponse = "none"
)

// Validate checks that the filter response is one of the defined variants.
func (f FilterResponse) Validate() error {
	switch f {
	case FilterConfig, FilterResource, FilterBundle, FilterTask, FilterNone:
		return nil
	default:
		return fmt.Errorf("invalid filter response: %q", f)
	}
}

// ReadOutput references a named output value produced by another resource's
// last successful operation. It expresses a dependency before that value
// is known.
type ReadOutput struct {
	// Addr is the virtual address of the producing resource.
	Addr string `json:"addr"`

	// Key is the output key within that resource's output map.
	Key string `json:"key"`
}

// String renders the reference in its repository form, out://addr[key].
func (r ReadOutput) String() string {
	return fmt.Sprintf("out://%s[%s]", r.Addr, r.Key)
}

// VirtToPhyType discriminates the variants of VirtToPhyResult.
type VirtToPhyType string

const (
	// VirtToPhyNotPresent means the resource is drafted at a virtual address
	// but its physical address is undefined because it does not exist yet.
	VirtToPhyNotPresent VirtToPhyType = "not_present"

	// VirtToPhyDeferred means resolution cannot proceed until the listed
	// outputs exist. A subnet inside a VPC that has not been created yet
	// is the canonical example.
	VirtToPhyDeferred VirtToPhyType = "deferred"

	// VirtToPhyPresent means the virtual address resolved to a physical one.
	VirtToPhyPresent VirtToPhyType = "present"

	// VirtToPhyNull means the address needs no virtual/physical distinction;
	// the trivial mapping applies.
	VirtToPhyNull VirtToPhyType = "null"
)

// VirtToPhyResult is the outcome of AddrVirtToPhy.
type VirtToPhyResult struct {
	// Type selects the variant.
	Type VirtToPhyType `json:"type"`

	// Path is the physical address for Present and Null variants.
	Path string `json:"path,omitempty"`

	// Reads lists the outputs required before resolution can proceed,
	// for the Deferred variant.
	Reads []ReadOutput `json:"reads,omitempty"`
}

// NotPresent constructs a NotPresent result.
func NotPresent() VirtToPhyResult {
	return VirtToPhyResult{Type: VirtToPhyNotPresent}
}

// Deferred constructs a Deferred result over the given output reads.
func Deferred(reads []ReadOutput) VirtToPhyResult {
	return VirtToPhyResult{Type: VirtToPhyDeferred, Reads: reads}
}

// Present constructs a Present result with the resolved physical address.
func Present(phyAddr string) VirtToPhyResult {
	return VirtToPhyResult{Type: VirtToPhyPresent, Path: phyAddr}
}

// Null constructs a Null result for addresses with a trivial mapping.
func Null(addr string) VirtToPhyResult {
	return VirtToPhyResult{Type: VirtToPhyNull, Path: addr}
}

// OutputMap maps output keys to values for a single resource.
type OutputMap map[string]string

// OutputMapExec maps output keys to optional values as returned by OpExec.
// A nil value deletes the key from the resource's output map.
type OutputMapExec map[string]*string

// GetResult is the outcome of Get for an address that exists remotely.
type GetResult struct {
	// ResourceDefinition is the connector's byte representation of the
	// remote resource, suitable for writing to the repository verbatim.
	ResourceDefinition []byte `json:"resource_definition"`

	// Outputs are named values attached to the resource, such as the
	// remote system's canonical ID.
	Outputs OutputMap `json:"outputs,omitempty"`
}

// Op is a single planned action produced by Plan. Ops are returned in the
// order they must be executed; the engine never reorders them.
type Op struct {
	// OpDefinition is the connector-defined serialized action. The engine
	// treats it as opaque and passes it back verbatim to OpExec.
	OpDefinition string `json:"op_definition"`

	// WritesOutputs lists the output keys this op will produce on execution.
	WritesOutputs []string `json:"writes_outputs,omitempty"`

	// FriendlyMessage is a human-readable summary in the imperative mood,
	// e.g. "Create VPC main in region us-east-1".
	FriendlyMessage string `json:"friendly_message,omitempty"`
}

// OpExecResult is the outcome of executing exactly one previously-planned op.
type OpExecResult struct {
	// Outputs are the values produced by the op, merged into the
	// resource's output map. Nil values delete keys.
	Outputs OutputMapExec `json:"outputs,omitempty"`

	// FriendlyMessage describes what was done, in the past tense,
	// e.g. "Created VPC vpc-0a1b2c in region us-east-1".
	FriendlyMessage string `json:"friendly_message,omitempty"`
}

// Skeleton is a template body for scaffolding a new resource. The address
// uses [square_brackets] for its variable portions.
type Skeleton struct {
	Addr string `json:"addr"`
	Body []byte `json:"body"`
}

// DocIdentKind discriminates documentation lookup targets.
type DocIdentKind string

const (
	// DocIdentStruct targets a struct used in resource bodies.
	DocIdentStruct DocIdentKind = "struct"

	// DocIdentField targets a field of such a struct.
	DocIdentField DocIdentKind = "field"
)

// DocIdent identifies the target of GetDocstring: either a struct used in
// resource bodies, or a field of one.
type DocIdent struct {
	Kind DocIdentKind `json:"kind"`

	// Name is the struct name, or the field name for DocIdentField.
	Name string `json:"name"`

	// Parent is the owning struct name for DocIdentField.
	Parent string `json:"parent,omitempty"`
}

// DiagnosticSeverity grades a diagnostic.
type DiagnosticSeverity string

const (
	DiagnosticError   DiagnosticSeverity = "error"
	DiagnosticWarning DiagnosticSeverity = "warning"
	DiagnosticInfo    DiagnosticSeverity = "info"
)

// DiagnosticSpan locates a diagnostic within a resource body.
// Lines and columns are zero-based.
type DiagnosticSpan struct {
	StartLine int `json:"start_line"`
	StartCol  int `json:"start_col"`
	EndLine   int `json:"end_line"`
	EndCol    int `json:"end_col"`
}

// Diagnostic is one static-validation finding from Diag.
type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Span     DiagnosticSpan     `json:"span"`
	Message  string             `json:"message"`
}

// UnbundleElement is one virtual file produced by expanding a bundle.
// Each element is planned as an independent resource whose address is
// derived from its filename inside the same prefix.
type UnbundleElement struct {
	Filename string `json:"filename"`
	Contents []byte `json:"contents"`
}

// DeriveAddr derives the virtual address of an unbundled element from the
// bundle's own address: the element filename is rooted next to the bundle.
func (u UnbundleElement) DeriveAddr(bundleAddr string) string {
	dir := path.Dir(bundleAddr)
	if dir == "." {
		return path.Clean(u.Filename)
	}
	return path.Join(dir, u.Filename)
}

// NormalizeAddr cleans an address into its canonical slash-separated,
// relative form. Addresses are opaque to the engine apart from this
// normalization, which keeps map keys stable.
func NormalizeAddr(addr string) string {
	addr = path.Clean(strings.TrimPrefix(addr, "./"))
	return strings.TrimPrefix(addr, "/")
}
