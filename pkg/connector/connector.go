package connector

import "context"

// Connector is the fixed RPC capability set every connector implements.
// The engine only ever holds a channel-backed handle to this interface and
// never a concrete type; independently-built connector binaries satisfy it
// over the wire contract in the protocol package.
//
// All operations return either an application error (the connector reported
// failure with a message) or a transport error (channel broken, decode
// failure, timeout); see errors.go for the distinction.
type Connector interface {
	// Init performs one-time setup. It must be called before any other
	// method on a fresh handle, and must be idempotent so it can be called
	// again after a relaunch. Init reads environment variables and config
	// files and may fail on invalid configuration; methods like Eq and Diag
	// may still work when Init has failed.
	Init(ctx context.Context) error

	// Filter classifies addr within the prefix. FilterNone means the
	// connector does not own the address and the engine moves on to the
	// next connector in the prefix.
	Filter(ctx context.Context, addr string) (FilterResponse, error)

	// List enumerates extant remote resource addresses under subpath,
	// whether or not they exist in the repository. Connectors may return a
	// superset of subpath; the engine filters afterwards.
	List(ctx context.Context, subpath string) ([]string, error)

	// Subpaths describes how List subdivides the address space. Disjoint
	// subpaths may be listed and planned concurrently without cross-talk.
	Subpaths(ctx context.Context) ([]string, error)

	// Get reads the current remote state of the resource at the physical
	// address addr. A nil result means the remote resource is absent.
	Get(ctx context.Context, addr string) (*GetResult, error)

	// Plan diffs current against desired and returns the ordered op
	// sequence that transitions one to the other. current == nil means
	// create, desired == nil means delete.
	Plan(ctx context.Context, addr string, current, desired []byte) ([]Op, error)

	// OpExec executes exactly one previously-planned op. The engine never
	// retries an op on its own; whether retry is safe is connector-defined.
	OpExec(ctx context.Context, addr string, op string) (*OpExecResult, error)

	// AddrVirtToPhy translates a repository-visible virtual address to the
	// remote system's physical address. When the result is Deferred, the
	// connector re-derives the physical address internally once the listed
	// outputs become available and the engine re-invokes this method.
	AddrVirtToPhy(ctx context.Context, addr string) (VirtToPhyResult, error)

	// AddrPhyToVirt is the inverse, used for import: given a physical
	// address discovered by List, find the corresponding virtual file path.
	// An empty string means there is no corresponding virtual address.
	AddrPhyToVirt(ctx context.Context, addr string) (string, error)

	// GetSkeletons returns template bodies for scaffolding new resources.
	// No side effects.
	GetSkeletons(ctx context.Context) ([]Skeleton, error)

	// GetDocstring returns markdown documentation for a struct or field
	// used in resource bodies at addr, for editor tooling. An empty string
	// means no documentation is available. No side effects.
	GetDocstring(ctx context.Context, addr string, ident DocIdent) (string, error)

	// Eq is the connector-defined semantic equality over resource bodies,
	// used to suppress spurious diffs from formatting-only differences.
	Eq(ctx context.Context, addr string, a, b []byte) (bool, error)

	// Diag statically validates a resource body without touching the
	// remote system.
	Diag(ctx context.Context, addr string, body []byte) ([]Diagnostic, error)

	// Unbundle expands a bundle-classified file into virtual per-resource
	// file contents for individual planning.
	Unbundle(ctx context.Context, addr string, bundle []byte) ([]UnbundleElement, error)
}

// UnimplementedConnector provides conservative defaults for the optional
// parts of the contract so connector implementations only override what they
// manage. Filter defaults to owning nothing.
type UnimplementedConnector struct{}

func (UnimplementedConnector) Init(ctx context.Context) error { return nil }

func (UnimplementedConnector) Filter(ctx context.Context, addr string) (FilterResponse, error) {
	return FilterNone, nil
}

func (UnimplementedConnector) List(ctx context.Context, subpath string) ([]string, error) {
	return nil, nil
}

// Subpaths defaults to the single unconstrained subpath.
func (UnimplementedConnector) Subpaths(ctx context.Context) ([]string, error) {
	return []string{"./"}, nil
}

func (UnimplementedConnector) Get(ctx context.Context, addr string) (*GetResult, error) {
	return nil, nil
}

func (UnimplementedConnector) Plan(ctx context.Context, addr string, current, desired []byte) ([]Op, error) {
	return nil, nil
}

func (UnimplementedConnector) OpExec(ctx context.Context, addr string, op string) (*OpExecResult, error) {
	return &OpExecResult{}, nil
}

// AddrVirtToPhy defaults to the trivial mapping.
func (UnimplementedConnector) AddrVirtToPhy(ctx context.Context, addr string) (VirtToPhyResult, error) {
	return Null(addr), nil
}

// AddrPhyToVirt defaults to the trivial mapping.
func (UnimplementedConnector) AddrPhyToVirt(ctx context.Context, addr string) (string, error) {
	return addr, nil
}

func (UnimplementedConnector) GetSkeletons(ctx context.Context) ([]Skeleton, error) {
	return nil, nil
}

func (UnimplementedConnector) GetDocstring(ctx context.Context, addr string, ident DocIdent) (string, error) {
	return "", nil
}

// Eq defaults to byte equality, without parsing.
func (UnimplementedConnector) Eq(ctx context.Context, addr string, a, b []byte) (bool, error) {
	return string(a) == string(b), nil
}

func (UnimplementedConnector) Diag(ctx context.Context, addr string, body []byte) ([]Diagnostic, error) {
	return nil, nil
}

func (UnimplementedConnector) Unbundle(ctx context.Context, addr string, bundle []byte) ([]UnbundleElement, error) {
	return nil, nil
}
