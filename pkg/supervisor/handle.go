package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

// Key identifies a child process registration: at most one live handle or
// task exists per key at any time.
type Key struct {
	// Prefix is the owning prefix name.
	Prefix string `json:"prefix"`

	// Name is the connector or task name within the prefix.
	Name string `json:"name"`
}

// Status is a point-in-time health classification of a child process.
type Status struct {
	// Alive is false once the process exited or stopped answering.
	Alive bool `json:"alive"`

	// CPUUsage is the fraction of one core consumed over the last
	// sampling interval. Zero until the second sample.
	CPUUsage float64 `json:"cpu_usage"`

	// Memory is resident memory in bytes.
	Memory uint64 `json:"memory"`
}

// String renders the health classification for display.
func (s Status) String() string {
	if !s.Alive {
		return "down"
	}
	return "up"
}

// Handle is a live connector process instance bound to its RPC channel. It
// implements connector.Connector by delegation; any transport failure marks
// the handle dead, and a dead handle fails every subsequent call with a
// transport error so callers retry against a relaunched handle instead.
type Handle struct {
	// Key identifies the registration owning this handle.
	Key Key

	// IdempotentOps mirrors the connector definition's capability flag.
	IdempotentOps bool

	client *protocol.Client
	proc   *childProc

	dead atomic.Bool

	// statusMu guards the sampled status.
	statusMu sync.RWMutex
	status   Status
}

func newHandle(key Key, idempotentOps bool, proc *childProc) *Handle {
	return &Handle{
		Key:           key,
		IdempotentOps: idempotentOps,
		client:        proc.client,
		proc:          proc,
		status:        Status{Alive: true},
	}
}

// Status returns the last sampled health classification.
func (h *Handle) Status() Status {
	if h.dead.Load() {
		return Status{Alive: false}
	}
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.status
}

// Pid returns the child process id, or 0 for in-process test children.
func (h *Handle) Pid() int {
	return h.proc.pid
}

// markDead flips the handle to dead and severs the channel, failing any
// in-flight calls with transport errors.
func (h *Handle) markDead() {
	if h.dead.CompareAndSwap(false, true) {
		_ = h.client.Close()
	}
}

// Dead reports whether the handle has been marked dead.
func (h *Handle) Dead() bool {
	return h.dead.Load()
}

func (h *Handle) setStatus(s Status) {
	h.statusMu.Lock()
	h.status = s
	h.statusMu.Unlock()
}

// guard fails fast on a dead handle so callers never block on a severed
// channel.
func (h *Handle) guard() error {
	if h.dead.Load() {
		return connector.NewTransportError("connector handle is dead; relaunch required", nil).
			WithConnector(h.Key.Name)
	}
	return nil
}

// after classifies the outcome of a delegated call: transport failures kill
// the handle.
func (h *Handle) after(err error) error {
	if err == nil {
		return nil
	}
	if connector.IsTransport(err) {
		h.markDead()
	}
	if e, ok := err.(*connector.Error); ok && e.Connector == "" {
		e.Connector = h.Key.Name
	}
	return err
}

// call runs one delegated RPC through the dead-handle guard, records it as a
// connector operation, and classifies the outcome.
func (h *Handle) call(ctx context.Context, method string, fn func() error) error {
	if err := h.guard(); err != nil {
		return err
	}
	return h.after(telemetry.RecordConnectorOperation(ctx, h.Key.Name, method, fn))
}

func (h *Handle) Init(ctx context.Context) error {
	return h.call(ctx, "init", func() error {
		return h.client.Init(ctx)
	})
}

func (h *Handle) Filter(ctx context.Context, addr string) (connector.FilterResponse, error) {
	res := connector.FilterNone
	err := h.call(ctx, "filter", func() (err error) {
		res, err = h.client.Filter(ctx, addr)
		return err
	})
	return res, err
}

func (h *Handle) List(ctx context.Context, subpath string) ([]string, error) {
	var res []string
	err := h.call(ctx, "list", func() (err error) {
		res, err = h.client.List(ctx, subpath)
		return err
	})
	return res, err
}

func (h *Handle) Subpaths(ctx context.Context) ([]string, error) {
	var res []string
	err := h.call(ctx, "subpaths", func() (err error) {
		res, err = h.client.Subpaths(ctx)
		return err
	})
	return res, err
}

func (h *Handle) Get(ctx context.Context, addr string) (*connector.GetResult, error) {
	var res *connector.GetResult
	err := h.call(ctx, "get", func() (err error) {
		res, err = h.client.Get(ctx, addr)
		return err
	})
	return res, err
}

func (h *Handle) Plan(ctx context.Context, addr string, current, desired []byte) ([]connector.Op, error) {
	var res []connector.Op
	err := h.call(ctx, "plan", func() (err error) {
		res, err = h.client.Plan(ctx, addr, current, desired)
		return err
	})
	return res, err
}

func (h *Handle) OpExec(ctx context.Context, addr string, op string) (*connector.OpExecResult, error) {
	var res *connector.OpExecResult
	err := h.call(ctx, "op_exec", func() (err error) {
		res, err = h.client.OpExec(ctx, addr, op)
		return err
	})
	return res, err
}

func (h *Handle) AddrVirtToPhy(ctx context.Context, addr string) (connector.VirtToPhyResult, error) {
	var res connector.VirtToPhyResult
	err := h.call(ctx, "addr_virt_to_phy", func() (err error) {
		res, err = h.client.AddrVirtToPhy(ctx, addr)
		return err
	})
	return res, err
}

func (h *Handle) AddrPhyToVirt(ctx context.Context, addr string) (string, error) {
	var res string
	err := h.call(ctx, "addr_phy_to_virt", func() (err error) {
		res, err = h.client.AddrPhyToVirt(ctx, addr)
		return err
	})
	return res, err
}

func (h *Handle) GetSkeletons(ctx context.Context) ([]connector.Skeleton, error) {
	var res []connector.Skeleton
	err := h.call(ctx, "get_skeletons", func() (err error) {
		res, err = h.client.GetSkeletons(ctx)
		return err
	})
	return res, err
}

func (h *Handle) GetDocstring(ctx context.Context, addr string, ident connector.DocIdent) (string, error) {
	var res string
	err := h.call(ctx, "get_docstring", func() (err error) {
		res, err = h.client.GetDocstring(ctx, addr, ident)
		return err
	})
	return res, err
}

func (h *Handle) Eq(ctx context.Context, addr string, a, b []byte) (bool, error) {
	var res bool
	err := h.call(ctx, "eq", func() (err error) {
		res, err = h.client.Eq(ctx, addr, a, b)
		return err
	})
	return res, err
}

func (h *Handle) Diag(ctx context.Context, addr string, body []byte) ([]connector.Diagnostic, error) {
	var res []connector.Diagnostic
	err := h.call(ctx, "diag", func() (err error) {
		res, err = h.client.Diag(ctx, addr, body)
		return err
	})
	return res, err
}

func (h *Handle) Unbundle(ctx context.Context, addr string, bundle []byte) ([]connector.UnbundleElement, error) {
	var res []connector.UnbundleElement
	err := h.call(ctx, "unbundle", func() (err error) {
		res, err = h.client.Unbundle(ctx, addr, bundle)
		return err
	})
	return res, err
}

// Compile-time check that Handle satisfies the contract.
var _ connector.Connector = (*Handle)(nil)
