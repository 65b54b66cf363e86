package protocol

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// DefaultCallTimeout bounds a single RPC call when the caller's context
// carries no earlier deadline.
const DefaultCallTimeout = 5 * time.Minute

// Client is the engine side of the wire contract. It implements
// connector.Connector over a single point-to-point connection.
//
// Calls are serialized per client: a connector process is not assumed
// thread-safe across concurrent calls, so concurrent requests against the
// same handle queue behind the call lock. Requests to different handles
// proceed independently.
type Client struct {
	// mu serializes calls on the connection.
	mu sync.Mutex

	conn    net.Conn
	enc     *Encoder
	dec     *Decoder
	timeout time.Duration
	nextID  uint64
}

// Dial connects to a child process socket.
func Dial(socket string, timeout time.Duration) (*Client, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, connector.NewTransportError("failed to dial connector socket", err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection. timeout <= 0 selects
// DefaultCallTimeout.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		conn:    conn,
		enc:     NewEncoder(conn),
		dec:     NewDecoder(conn),
		timeout: timeout,
	}
}

// Close tears down the connection. In-flight calls fail with transport
// errors.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs one request/response exchange. Any failure to speak the
// protocol (encode, decode, deadline, broken channel) is a transport error;
// an error envelope from the child is an application error.
func (c *Client) call(ctx context.Context, method Method, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return connector.NewTransportError("failed to marshal params", err).WithOp(string(method))
		}
		raw = buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return connector.NewTransportError("failed to set call deadline", err).WithOp(string(method))
	}

	c.nextID++
	req := &Request{ID: c.nextID, Method: method, Params: raw}

	if err := c.enc.EncodeRequest(req); err != nil {
		return connector.NewTransportError("failed to send request", err).WithOp(string(method))
	}

	resp, err := c.dec.DecodeResponse()
	if err != nil {
		return connector.NewTransportError("failed to read response", err).WithOp(string(method))
	}
	if resp.ID != req.ID {
		return connector.NewTransportError("response id mismatch", nil).WithOp(string(method))
	}
	if resp.Error != nil {
		return connector.NewApplicationError(resp.Error.Message).WithOp(string(method))
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return connector.NewTransportError("failed to decode result", err).WithOp(string(method))
		}
	}
	return nil
}

// Init implements connector.Connector.
func (c *Client) Init(ctx context.Context) error {
	return c.call(ctx, MethodInit, nil, nil)
}

// Filter implements connector.Connector.
func (c *Client) Filter(ctx context.Context, addr string) (connector.FilterResponse, error) {
	var res FilterResult
	if err := c.call(ctx, MethodFilter, &FilterParams{Addr: addr}, &res); err != nil {
		return connector.FilterNone, err
	}
	if err := res.Filter.Validate(); err != nil {
		return connector.FilterNone, connector.NewTransportError("malformed filter response", err)
	}
	return res.Filter, nil
}

// List implements connector.Connector.
func (c *Client) List(ctx context.Context, subpath string) ([]string, error) {
	var res ListResult
	if err := c.call(ctx, MethodList, &ListParams{Subpath: subpath}, &res); err != nil {
		return nil, err
	}
	return res.Addrs, nil
}

// Subpaths implements connector.Connector.
func (c *Client) Subpaths(ctx context.Context) ([]string, error) {
	var res SubpathsResult
	if err := c.call(ctx, MethodSubpaths, nil, &res); err != nil {
		return nil, err
	}
	return res.Subpaths, nil
}

// Get implements connector.Connector.
func (c *Client) Get(ctx context.Context, addr string) (*connector.GetResult, error) {
	var res GetResult
	if err := c.call(ctx, MethodGet, &GetParams{Addr: addr}, &res); err != nil {
		return nil, err
	}
	if !res.Exists {
		return nil, nil
	}
	return &connector.GetResult{
		ResourceDefinition: res.Resource,
		Outputs:            res.Outputs,
	}, nil
}

// Plan implements connector.Connector.
func (c *Client) Plan(ctx context.Context, addr string, current, desired []byte) ([]connector.Op, error) {
	var res PlanResult
	params := &PlanParams{Addr: addr, Current: current, Desired: desired}
	if err := c.call(ctx, MethodPlan, params, &res); err != nil {
		return nil, err
	}
	return res.Ops, nil
}

// OpExec implements connector.Connector.
func (c *Client) OpExec(ctx context.Context, addr string, op string) (*connector.OpExecResult, error) {
	var res OpExecResult
	if err := c.call(ctx, MethodOpExec, &OpExecParams{Addr: addr, Op: op}, &res); err != nil {
		return nil, err
	}
	return &connector.OpExecResult{
		Outputs:         res.Outputs,
		FriendlyMessage: res.FriendlyMessage,
	}, nil
}

// AddrVirtToPhy implements connector.Connector.
func (c *Client) AddrVirtToPhy(ctx context.Context, addr string) (connector.VirtToPhyResult, error) {
	var res VirtToPhyResult
	if err := c.call(ctx, MethodAddrVirtToPhy, &AddrParams{Addr: addr}, &res); err != nil {
		return connector.VirtToPhyResult{}, err
	}
	return res.Result, nil
}

// AddrPhyToVirt implements connector.Connector.
func (c *Client) AddrPhyToVirt(ctx context.Context, addr string) (string, error) {
	var res PhyToVirtResult
	if err := c.call(ctx, MethodAddrPhyToVirt, &AddrParams{Addr: addr}, &res); err != nil {
		return "", err
	}
	return res.Virt, nil
}

// GetSkeletons implements connector.Connector.
func (c *Client) GetSkeletons(ctx context.Context) ([]connector.Skeleton, error) {
	var res GetSkeletonsResult
	if err := c.call(ctx, MethodGetSkeletons, nil, &res); err != nil {
		return nil, err
	}
	return res.Skeletons, nil
}

// GetDocstring implements connector.Connector.
func (c *Client) GetDocstring(ctx context.Context, addr string, ident connector.DocIdent) (string, error) {
	var res GetDocstringResult
	params := &GetDocstringParams{Addr: addr, Ident: ident}
	if err := c.call(ctx, MethodGetDocstring, params, &res); err != nil {
		return "", err
	}
	return res.Markdown, nil
}

// Eq implements connector.Connector.
func (c *Client) Eq(ctx context.Context, addr string, a, b []byte) (bool, error) {
	var res EqResult
	if err := c.call(ctx, MethodEq, &EqParams{Addr: addr, A: a, B: b}, &res); err != nil {
		return false, err
	}
	return res.Eq, nil
}

// Diag implements connector.Connector.
func (c *Client) Diag(ctx context.Context, addr string, body []byte) ([]connector.Diagnostic, error) {
	var res DiagResult
	if err := c.call(ctx, MethodDiag, &DiagParams{Addr: addr, Body: body}, &res); err != nil {
		return nil, err
	}
	return res.Diagnostics, nil
}

// Unbundle implements connector.Connector.
func (c *Client) Unbundle(ctx context.Context, addr string, bundle []byte) ([]connector.UnbundleElement, error) {
	var res UnbundleResult
	params := &UnbundleParams{Addr: addr, Bundle: bundle}
	if err := c.call(ctx, MethodUnbundle, params, &res); err != nil {
		return nil, err
	}
	return res.Elements, nil
}

// Shutdown asks the child to exit gracefully. The child acknowledges before
// exiting; a transport error here means it was already unresponsive.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, MethodShutdown, nil, nil)
}

// SendTaskMessage delivers a typed message to a task process's inbox.
func (c *Client) SendTaskMessage(ctx context.Context, msg TaskMessage) error {
	return c.call(ctx, MethodTaskMessage, &msg, nil)
}

// Compile-time check that Client satisfies the contract.
var _ connector.Connector = (*Client)(nil)
