package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/rs/zerolog"
)

// Server is the child side of the wire contract. Connector binaries bind a
// unix socket, serve their Connector implementation through it, and exit on
// a shutdown request. The supervisor connects as the only client.
type Server struct {
	impl connector.Connector
	log  zerolog.Logger

	// OnTaskMessage handles typed task messages. Left nil, task messages
	// are rejected; task binaries set it to receive their inbox.
	OnTaskMessage func(ctx context.Context, msg TaskMessage) error

	// shutdown is closed when a shutdown request has been acknowledged.
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewServer creates a server around a Connector implementation.
func NewServer(impl connector.Connector, log zerolog.Logger) *Server {
	return &Server{
		impl:     impl,
		log:      log.With().Str("component", "connector-server").Logger(),
		shutdown: make(chan struct{}),
	}
}

// ListenAndServe binds the socket and serves until the context is cancelled
// or a shutdown request arrives. The socket must be bound before the
// supervisor is told the child is ready; binding happens here, so callers
// simply start serving before printing/signalling readiness is required.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	// A stale socket from a crashed predecessor would fail the bind.
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to bind socket %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.shutdown:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn serves a single established connection until EOF. Exposed so
// tests can drive the server over an in-memory pipe.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := NewEncoder(conn)
	dec := NewDecoder(conn)

	for {
		req, err := dec.DecodeRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("connection closed with decode error")
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := enc.EncodeResponse(resp); err != nil {
			s.log.Debug().Err(err).Msg("failed to write response")
			return
		}

		if req.Method == MethodShutdown {
			s.shutdownOnce.Do(func() { close(s.shutdown) })
			return
		}
	}
}

// Done is closed once a shutdown request has been acknowledged.
func (s *Server) Done() <-chan struct{} {
	return s.shutdown
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	result, err := s.handle(ctx, req)
	if err != nil {
		return &Response{ID: req.ID, Error: &WireError{Message: err.Error()}}
	}

	resp := &Response{ID: req.ID}
	if result != nil {
		buf, err := json.Marshal(result)
		if err != nil {
			return &Response{ID: req.ID, Error: &WireError{Message: fmt.Sprintf("failed to marshal result: %v", err)}}
		}
		resp.Result = buf
	}
	return resp
}

func (s *Server) handle(ctx context.Context, req *Request) (interface{}, error) {
	switch req.Method {
	case MethodInit:
		return nil, s.impl.Init(ctx)

	case MethodFilter:
		var p FilterParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		f, err := s.impl.Filter(ctx, p.Addr)
		if err != nil {
			return nil, err
		}
		return &FilterResult{Filter: f}, nil

	case MethodList:
		var p ListParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		addrs, err := s.impl.List(ctx, p.Subpath)
		if err != nil {
			return nil, err
		}
		return &ListResult{Addrs: addrs}, nil

	case MethodSubpaths:
		subpaths, err := s.impl.Subpaths(ctx)
		if err != nil {
			return nil, err
		}
		return &SubpathsResult{Subpaths: subpaths}, nil

	case MethodGet:
		var p GetParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		res, err := s.impl.Get(ctx, p.Addr)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return &GetResult{Exists: false}, nil
		}
		return &GetResult{Exists: true, Resource: res.ResourceDefinition, Outputs: res.Outputs}, nil

	case MethodPlan:
		var p PlanParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		ops, err := s.impl.Plan(ctx, p.Addr, p.Current, p.Desired)
		if err != nil {
			return nil, err
		}
		return &PlanResult{Ops: ops}, nil

	case MethodOpExec:
		var p OpExecParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		res, err := s.impl.OpExec(ctx, p.Addr, p.Op)
		if err != nil {
			return nil, err
		}
		if res == nil {
			// An op with nothing to report is a valid outcome.
			return &OpExecResult{}, nil
		}
		return &OpExecResult{Outputs: res.Outputs, FriendlyMessage: res.FriendlyMessage}, nil

	case MethodAddrVirtToPhy:
		var p AddrParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		res, err := s.impl.AddrVirtToPhy(ctx, p.Addr)
		if err != nil {
			return nil, err
		}
		return &VirtToPhyResult{Result: res}, nil

	case MethodAddrPhyToVirt:
		var p AddrParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		virt, err := s.impl.AddrPhyToVirt(ctx, p.Addr)
		if err != nil {
			return nil, err
		}
		return &PhyToVirtResult{Virt: virt}, nil

	case MethodGetSkeletons:
		skeletons, err := s.impl.GetSkeletons(ctx)
		if err != nil {
			return nil, err
		}
		return &GetSkeletonsResult{Skeletons: skeletons}, nil

	case MethodGetDocstring:
		var p GetDocstringParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		markdown, err := s.impl.GetDocstring(ctx, p.Addr, p.Ident)
		if err != nil {
			return nil, err
		}
		return &GetDocstringResult{Markdown: markdown}, nil

	case MethodEq:
		var p EqParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		eq, err := s.impl.Eq(ctx, p.Addr, p.A, p.B)
		if err != nil {
			return nil, err
		}
		return &EqResult{Eq: eq}, nil

	case MethodDiag:
		var p DiagParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		diags, err := s.impl.Diag(ctx, p.Addr, p.Body)
		if err != nil {
			return nil, err
		}
		return &DiagResult{Diagnostics: diags}, nil

	case MethodUnbundle:
		var p UnbundleParams
		if err := ParseParams(req.Params, &p); err != nil {
			return nil, err
		}
		elements, err := s.impl.Unbundle(ctx, p.Addr, p.Bundle)
		if err != nil {
			return nil, err
		}
		return &UnbundleResult{Elements: elements}, nil

	case MethodShutdown:
		return nil, nil

	case MethodTaskMessage:
		if s.OnTaskMessage == nil {
			return nil, fmt.Errorf("this process does not accept task messages")
		}
		var msg TaskMessage
		if err := ParseParams(req.Params, &msg); err != nil {
			return nil, err
		}
		return nil, s.OnTaskMessage(ctx, msg)

	default:
		return nil, fmt.Errorf("unknown method: %q", req.Method)
	}
}
