package protocol

import (
	"context"
	"flag"
	"fmt"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/rs/zerolog"
)

// Invocation carries the startup arguments every connector or task
// executable receives from the supervisor: its registered name, its owning
// prefix, and the socket endpoint it must bind before serving.
type Invocation struct {
	// Name is the connector or task name as registered in the prefix.
	Name string

	// Prefix is the owning prefix path. The supervisor starts the process
	// with the prefix directory as its working directory.
	Prefix string

	// Socket is the unix socket path to bind.
	Socket string
}

// ParseInvocation parses the standard child process arguments.
func ParseInvocation(args []string) (*Invocation, error) {
	fs := flag.NewFlagSet("connector", flag.ContinueOnError)
	inv := &Invocation{}
	fs.StringVar(&inv.Name, "name", "", "registered connector/task name")
	fs.StringVar(&inv.Prefix, "prefix", "", "owning prefix path")
	fs.StringVar(&inv.Socket, "socket", "", "unix socket endpoint to bind")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if inv.Name == "" || inv.Socket == "" {
		return nil, fmt.Errorf("connector invocation requires -name and -socket")
	}
	return inv, nil
}

// RunConnector is the standard main-loop for a connector binary: parse the
// invocation, construct the implementation, bind the socket and serve until
// the supervisor asks for shutdown. Init is only ever called by the
// supervisor after the socket is bound, satisfying the readiness contract.
func RunConnector(ctx context.Context, args []string, log zerolog.Logger,
	build func(name, prefix string) (connector.Connector, error)) error {

	inv, err := ParseInvocation(args)
	if err != nil {
		return err
	}

	impl, err := build(inv.Name, inv.Prefix)
	if err != nil {
		return fmt.Errorf("failed to construct connector %q: %w", inv.Name, err)
	}

	log.Info().
		Str("name", inv.Name).
		Str("prefix", inv.Prefix).
		Str("socket", inv.Socket).
		Msg("Connector serving")

	srv := NewServer(impl, log)
	return srv.ListenAndServe(ctx, inv.Socket)
}
