package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
)

// launchSpec carries everything needed to start one child process.
type launchSpec struct {
	kind    childKind
	key     Key
	binary  string
	env     map[string]string
	network bool
}

type childKind string

const (
	kindConnector childKind = "connector"
	kindTask      childKind = "task"
)

// childProc is a running child: its RPC client, pid, and exit observation.
// Tests substitute in-process children with pid 0 and a nil proc handle.
type childProc struct {
	client *protocol.Client
	pid    int
	socket string

	// exited is closed by the waiter goroutine once the process is gone.
	exited chan struct{}

	kill func()
}

// launchFunc starts a child and returns it once its socket answers. The
// supervisor holds no lock while launching, so launches for distinct keys
// proceed in parallel.
type launchFunc func(ctx context.Context, spec launchSpec) (*childProc, error)

// launcher is the production launchFunc: exec the binary with the standard
// invocation flags, wait for its socket to appear, dial it, and run init.
type launcher struct {
	root         string
	socketDir    string
	spawnTimeout time.Duration
	callTimeout  time.Duration
	sandbox      bool
	log          zerolog.Logger
}

// childWorkdir is the working directory a child runs in: its prefix
// directory, so relative paths the child opens stay inside its prefix.
func (l *launcher) childWorkdir(key Key) string {
	return filepath.Join(l.root, key.Prefix)
}

// resolveBinary turns a repo-relative binary path into an absolute one.
// The child's working directory is the prefix, not the repo root, so a
// relative path cannot be left for exec to resolve.
func (l *launcher) resolveBinary(binary string) string {
	if filepath.IsAbs(binary) {
		return binary
	}
	return filepath.Join(l.root, binary)
}

func (l *launcher) launch(ctx context.Context, spec launchSpec) (*childProc, error) {
	if err := os.MkdirAll(l.socketDir, 0o755); err != nil {
		return nil, connector.NewSpawnError(fmt.Sprintf("creating socket directory %s", l.socketDir), err)
	}
	socket := filepath.Join(l.socketDir, uuid.NewString()+".sock")

	cmd := exec.Command(l.resolveBinary(spec.binary),
		"-name", spec.key.Name,
		"-prefix", spec.key.Prefix,
		"-socket", socket,
	)
	cmd.Dir = l.childWorkdir(spec.key)
	cmd.Env = os.Environ()
	for k, v := range spec.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if l.sandbox {
		if err := applySandbox(cmd, spec.network); err != nil {
			return nil, connector.NewSpawnError("configuring sandbox", err).WithConnector(spec.key.Name)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, connector.NewSpawnError(fmt.Sprintf("starting %s", spec.binary), err).WithConnector(spec.key.Name)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	proc := &childProc{
		pid:    cmd.Process.Pid,
		socket: socket,
		exited: exited,
		kill: func() {
			_ = cmd.Process.Kill()
		},
	}

	if err := l.ready(ctx, proc, spec); err != nil {
		proc.kill()
		_ = os.Remove(socket)
		return nil, err
	}
	return proc, nil
}

// ready waits for the socket, dials it, and runs the connector's init
// handshake. Any failure here counts as a spawn failure.
func (l *launcher) ready(ctx context.Context, proc *childProc, spec launchSpec) error {
	deadline := time.Now().Add(l.spawnTimeout)
	if err := waitForSocket(ctx, proc.socket, proc.exited, l.spawnTimeout); err != nil {
		return connector.NewSpawnError("waiting for connector socket", err).WithConnector(spec.key.Name)
	}

	var client *protocol.Client
	var err error
	for {
		client, err = protocol.Dial(proc.socket, l.callTimeout)
		if err == nil {
			break
		}
		// The socket file can exist before the child calls listen.
		if time.Now().After(deadline) {
			return connector.NewSpawnError("dialing connector socket", err).WithConnector(spec.key.Name)
		}
		select {
		case <-ctx.Done():
			return connector.NewSpawnError("dialing connector socket", ctx.Err()).WithConnector(spec.key.Name)
		case <-proc.exited:
			return connector.NewSpawnError("connector exited before answering", err).WithConnector(spec.key.Name)
		case <-time.After(50 * time.Millisecond):
		}
	}
	proc.client = client

	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return connector.NewSpawnError("connector init failed", err).WithConnector(spec.key.Name)
	}

	l.log.Debug().
		Str("prefix", spec.key.Prefix).
		Str("name", spec.key.Name).
		Str("kind", string(spec.kind)).
		Int("pid", proc.pid).
		Msg("child process ready")
	return nil
}

// waitForSocket blocks until path exists, using fsnotify on its parent
// directory with an existence check to close the pre-watch race.
func waitForSocket(ctx context.Context, path string, exited <-chan struct{}, timeout time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return err
		case <-exited:
			return fmt.Errorf("process exited before creating socket %s", path)
		case <-timer.C:
			return fmt.Errorf("timed out after %s waiting for socket %s", timeout, path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
