package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

// Supervisor owns every child process: connector handles and background
// tasks. It holds exactly one registration per key; concurrent spawn
// requests for the same key coalesce onto a single launch.
type Supervisor struct {
	settings *config.Settings
	metrics  *telemetry.Metrics
	root     string
	log      zerolog.Logger

	launch launchFunc

	mu         sync.Mutex
	connectors map[Key]*registration
	tasks      map[Key]*Task

	stopHealth chan struct{}
	healthDone chan struct{}
}

// registration is the single-flight slot for one connector key. ready is
// closed once the launch attempt settles, after which exactly one of handle
// or err is set.
type registration struct {
	ready  chan struct{}
	handle *Handle
	err    error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithRoot sets the repository root. Children run with their prefix
// directory under root as working directory, and repo-relative connector
// binaries resolve against it.
func WithRoot(root string) Option {
	return func(s *Supervisor) { s.root = root }
}

// withLaunch substitutes the process launcher, for tests.
func withLaunch(fn launchFunc) Option {
	return func(s *Supervisor) { s.launch = fn }
}

// New creates a Supervisor and starts its health sampling loop.
func New(settings *config.Settings, log zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		settings:   settings,
		log:        log.With().Str("component", "supervisor").Logger(),
		connectors: make(map[Key]*registration),
		tasks:      make(map[Key]*Task),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.launch == nil {
		l := &launcher{
			root:         s.root,
			socketDir:    settings.SocketDir,
			spawnTimeout: settings.SpawnTimeout,
			callTimeout:  settings.CallTimeout,
			sandbox:      settings.Sandbox,
			log:          s.log,
		}
		s.launch = l.launch
	}
	go s.healthLoop()
	return s
}

// Spawn returns the connector handle for key, launching the process if no
// registration exists. Callers racing on the same key all receive the same
// handle; a dead handle is returned as-is and must be replaced with
// Relaunch.
func (s *Supervisor) Spawn(ctx context.Context, key Key, def *config.ConnectorDef) (*Handle, error) {
	s.mu.Lock()
	if reg, ok := s.connectors[key]; ok {
		s.mu.Unlock()
		return reg.wait(ctx)
	}
	reg := &registration{ready: make(chan struct{})}
	s.connectors[key] = reg
	s.mu.Unlock()

	handle, err := s.doLaunch(ctx, key, def)
	if err != nil {
		// Clear the slot so a later spawn can retry.
		s.mu.Lock()
		delete(s.connectors, key)
		s.mu.Unlock()
		reg.err = err
		close(reg.ready)
		if s.metrics != nil {
			s.metrics.RecordSpawn(string(kindConnector), "failure")
		}
		return nil, err
	}
	reg.handle = handle
	close(reg.ready)
	if s.metrics != nil {
		s.metrics.RecordSpawn(string(kindConnector), "success")
		s.metrics.SetLiveChildren(string(kindConnector), float64(s.liveConnectors()))
	}
	return handle, nil
}

func (r *registration) wait(ctx context.Context) (*Handle, error) {
	select {
	case <-r.ready:
		return r.handle, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) doLaunch(ctx context.Context, key Key, def *config.ConnectorDef) (*Handle, error) {
	s.log.Info().
		Str("prefix", key.Prefix).
		Str("name", key.Name).
		Str("binary", def.Binary).
		Msg("spawning connector")

	proc, err := s.launch(ctx, launchSpec{
		kind:    kindConnector,
		key:     key,
		binary:  def.Binary,
		env:     def.Env,
		network: def.Network,
	})
	if err != nil {
		return nil, err
	}
	h := newHandle(key, def.IdempotentOps, proc)
	go s.watchExit(h)
	return h, nil
}

// watchExit marks the handle dead as soon as its process exits.
func (s *Supervisor) watchExit(h *Handle) {
	if h.proc.exited == nil {
		return
	}
	<-h.proc.exited
	h.markDead()
	s.log.Warn().
		Str("prefix", h.Key.Prefix).
		Str("name", h.Key.Name).
		Int("pid", h.proc.pid).
		Msg("connector process exited")
	if s.metrics != nil {
		s.metrics.SetLiveChildren(string(kindConnector), float64(s.liveConnectors()))
		s.metrics.RemoveChildHealth(h.Key.Prefix, h.Key.Name)
	}
}

// Get returns the registered handle for key, or nil if none exists.
func (s *Supervisor) Get(key Key) *Handle {
	s.mu.Lock()
	reg, ok := s.connectors[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-reg.ready:
		return reg.handle
	default:
		return nil
	}
}

// Relaunch tears down any existing registration for key and spawns a fresh
// process. The old process gets a graceful shutdown, then a kill.
func (s *Supervisor) Relaunch(ctx context.Context, key Key, def *config.ConnectorDef) (*Handle, error) {
	s.mu.Lock()
	reg, ok := s.connectors[key]
	delete(s.connectors, key)
	s.mu.Unlock()

	if ok {
		if old, err := reg.wait(ctx); err == nil && old != nil {
			s.stopHandle(ctx, old)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRelaunch(string(kindConnector))
	}
	return s.Spawn(ctx, key, def)
}

// stopHandle shuts a child down: graceful shutdown over the channel if the
// handle is still alive, then a hard kill.
func (s *Supervisor) stopHandle(ctx context.Context, h *Handle) {
	if !h.Dead() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = h.client.Shutdown(shutdownCtx)
		cancel()
	}
	h.markDead()
	if h.proc.kill != nil {
		h.proc.kill()
	}
	if h.proc.socket != "" {
		_ = os.Remove(h.proc.socket)
	}
}

// ShutdownAll stops every connector and task and halts health sampling.
func (s *Supervisor) ShutdownAll(ctx context.Context) {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.connectors))
	for _, reg := range s.connectors {
		regs = append(regs, reg)
	}
	s.connectors = make(map[Key]*registration)
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[Key]*Task)
	s.mu.Unlock()

	for _, reg := range regs {
		if h, err := reg.wait(ctx); err == nil && h != nil {
			s.stopHandle(ctx, h)
		}
	}
	for _, t := range tasks {
		t.stop(ctx)
	}

	select {
	case <-s.stopHealth:
	default:
		close(s.stopHealth)
	}
	<-s.healthDone
}

func (s *Supervisor) liveConnectors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, reg := range s.connectors {
		select {
		case <-reg.ready:
			if reg.handle != nil && !reg.handle.Dead() {
				n++
			}
		default:
		}
	}
	return n
}

// ChildReport is one row of the Top listing.
type ChildReport struct {
	Key    Key    `json:"key"`
	Kind   string `json:"kind"`
	Pid    int    `json:"pid"`
	Status Status `json:"status"`

	// State is only set for tasks.
	State TaskState `json:"state,omitempty"`
}

// Top returns health reports for every registered child, sorted by prefix
// then name, connectors before tasks.
func (s *Supervisor) Top() []ChildReport {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.connectors))
	for _, reg := range s.connectors {
		select {
		case <-reg.ready:
			if reg.handle != nil {
				handles = append(handles, reg.handle)
			}
		default:
		}
	}
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	reports := make([]ChildReport, 0, len(handles)+len(tasks))
	for _, h := range handles {
		reports = append(reports, ChildReport{
			Key:    h.Key,
			Kind:   string(kindConnector),
			Pid:    h.Pid(),
			Status: h.Status(),
		})
	}
	for _, t := range tasks {
		reports = append(reports, t.report())
	}
	sort.Slice(reports, func(i, j int) bool {
		a, b := reports[i], reports[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Key.Prefix != b.Key.Prefix {
			return a.Key.Prefix < b.Key.Prefix
		}
		return a.Key.Name < b.Key.Name
	})
	return reports
}

func keyString(k Key) string {
	return fmt.Sprintf("%s/%s", k.Prefix, k.Name)
}
