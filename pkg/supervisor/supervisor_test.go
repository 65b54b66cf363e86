package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

type echoConnector struct {
	connector.UnimplementedConnector
}

func (echoConnector) Get(ctx context.Context, addr string) (*connector.GetResult, error) {
	return &connector.GetResult{ResourceDefinition: []byte(addr)}, nil
}

// fakeChild is an in-process stand-in for a spawned connector binary,
// served over a net.Pipe instead of a unix socket.
type fakeChild struct {
	proc   *childProc
	server *protocol.Server
	cancel context.CancelFunc

	mu   sync.Mutex
	msgs []protocol.TaskMessage
}

func startFakeChild(t *testing.T, impl connector.Connector) *fakeChild {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	srv := protocol.NewServer(impl, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	fc := &fakeChild{server: srv, cancel: cancel}
	srv.OnTaskMessage = func(ctx context.Context, msg protocol.TaskMessage) error {
		fc.mu.Lock()
		fc.msgs = append(fc.msgs, msg)
		fc.mu.Unlock()
		return nil
	}
	go srv.ServeConn(ctx, serverConn)

	exited := make(chan struct{})
	var once sync.Once
	fc.proc = &childProc{
		client: protocol.NewClient(clientConn, time.Second),
		exited: exited,
		kill: func() {
			once.Do(func() {
				cancel()
				_ = clientConn.Close()
				_ = serverConn.Close()
				close(exited)
			})
		},
	}
	t.Cleanup(fc.proc.kill)
	return fc
}

func (fc *fakeChild) exit() {
	fc.proc.kill()
}

func (fc *fakeChild) messages() []protocol.TaskMessage {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]protocol.TaskMessage, len(fc.msgs))
	copy(out, fc.msgs)
	return out
}

func newTestSupervisor(t *testing.T, launch launchFunc) *Supervisor {
	t.Helper()
	settings := &config.Settings{
		SpawnTimeout:   time.Second,
		CallTimeout:    time.Second,
		HealthInterval: time.Hour,
	}
	s := New(settings, zerolog.Nop(), withLaunch(launch))
	t.Cleanup(func() { s.ShutdownAll(context.Background()) })
	return s
}

func TestSpawnSingleFlight(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		launches.Add(1)
		// Widen the race window so concurrent spawns pile up on the slot.
		time.Sleep(20 * time.Millisecond)
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "kvstore"}
	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}

	const n = 32
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Spawn(context.Background(), key, def)
			if err != nil {
				t.Errorf("spawn %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := launches.Load(); got != 1 {
		t.Fatalf("expected exactly 1 launch, got %d", got)
	}
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("handle %d differs from handle 0", i)
		}
	}
}

func TestSpawnDistinctKeys(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		launches.Add(1)
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}
	a, err := s.Spawn(context.Background(), Key{Prefix: "prod", Name: "kvstore"}, def)
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	b, err := s.Spawn(context.Background(), Key{Prefix: "staging", Name: "kvstore"}, def)
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if a == b {
		t.Fatal("distinct keys returned the same handle")
	}
	if got := launches.Load(); got != 2 {
		t.Fatalf("expected 2 launches, got %d", got)
	}
}

func TestSpawnFailureClearsSlot(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		if launches.Add(1) == 1 {
			return nil, connector.NewSpawnError("binary not found", errors.New("exec failed"))
		}
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "kvstore"}
	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}

	if _, err := s.Spawn(context.Background(), key, def); !connector.IsSpawn(err) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	h, err := s.Spawn(context.Background(), key, def)
	if err != nil {
		t.Fatalf("retry spawn: %v", err)
	}
	if h == nil || h.Dead() {
		t.Fatal("retry did not produce a live handle")
	}
}

func TestHandleDeadAfterTransportError(t *testing.T) {
	var fc *fakeChild
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		fc = startFakeChild(t, echoConnector{})
		return fc.proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "kvstore"}
	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}
	h, err := s.Spawn(context.Background(), key, def)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := h.Get(context.Background(), "a.json"); err != nil {
		t.Fatalf("get before exit: %v", err)
	}

	fc.exit()

	// The exit watcher marks the handle dead; poll until it lands.
	deadline := time.Now().Add(time.Second)
	for !h.Dead() {
		if time.Now().After(deadline) {
			t.Fatal("handle never marked dead after process exit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = h.Get(context.Background(), "a.json")
	if !connector.IsTransport(err) {
		t.Fatalf("expected transport error from dead handle, got %v", err)
	}
	if got := s.Get(key); got != h {
		t.Fatal("dead handle should remain registered until relaunch")
	}
	if st := h.Status(); st.Alive {
		t.Fatal("dead handle reported alive")
	}
}

func TestRelaunchReplacesHandle(t *testing.T) {
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "kvstore"}
	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}
	old, err := s.Spawn(context.Background(), key, def)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	fresh, err := s.Relaunch(context.Background(), key, def)
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if fresh == old {
		t.Fatal("relaunch returned the old handle")
	}
	if !old.Dead() {
		t.Fatal("relaunch left the old handle alive")
	}
	if _, err := fresh.Get(context.Background(), "a.json"); err != nil {
		t.Fatalf("get on relaunched handle: %v", err)
	}
	if got := s.Get(key); got != fresh {
		t.Fatal("registry does not hold the relaunched handle")
	}
}

func TestTaskLifecycle(t *testing.T) {
	var fc *fakeChild
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		fc = startFakeChild(t, echoConnector{})
		return fc.proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "sweeper"}
	def := &config.TaskDef{Name: "sweeper", Binary: "sweeper"}

	if st := s.TaskStatus(key); st != TaskIdle {
		t.Fatalf("expected idle before spawn, got %s", st)
	}

	task, err := s.SpawnTask(context.Background(), key, def)
	if err != nil {
		t.Fatalf("spawn task: %v", err)
	}
	if st := task.State(); st != TaskRunning {
		t.Fatalf("expected running, got %s", st)
	}
	if _, err := s.SpawnTask(context.Background(), key, def); err == nil {
		t.Fatal("double spawn of a running task should fail")
	}

	msg := protocol.TaskMessage{Type: "sweep", Body: []byte(`{"scope":"all"}`)}
	if err := s.SendTaskMessage(context.Background(), key, msg); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if got := fc.messages(); len(got) != 1 || got[0].Type != "sweep" {
		t.Fatalf("task did not receive message: %+v", got)
	}

	shutdown := protocol.TaskMessage{Type: protocol.TaskMessageShutDown}
	if err := s.SendTaskMessage(context.Background(), key, shutdown); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	if st := task.State(); st != TaskShuttingDown {
		t.Fatalf("expected shutting_down, got %s", st)
	}

	fc.exit()
	deadline := time.Now().Add(time.Second)
	for task.State() != TaskDead {
		if time.Now().After(deadline) {
			t.Fatalf("task never reached dead, state %s", task.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.SendTaskMessage(context.Background(), key, msg); err == nil {
		t.Fatal("message to dead task should be rejected")
	}

	// A dead task can be spawned again.
	task2, err := s.SpawnTask(context.Background(), key, def)
	if err != nil {
		t.Fatalf("respawn task: %v", err)
	}
	if task2 != task {
		t.Fatal("respawn should reuse the task registration")
	}
	if st := task.State(); st != TaskRunning {
		t.Fatalf("expected running after respawn, got %s", st)
	}
}

func TestSpawnTaskConcurrentSingleProcess(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		launches.Add(1)
		// Widen the race window between the state check and the launch.
		time.Sleep(20 * time.Millisecond)
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "sweeper"}
	def := &config.TaskDef{Name: "sweeper", Binary: "sweeper"}

	const n = 16
	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SpawnTask(context.Background(), key, def); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := launches.Load(); got != 1 {
		t.Fatalf("expected exactly 1 launch, got %d", got)
	}
	if got := succeeded.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful spawn, got %d", got)
	}
	if st := s.TaskStatus(key); st != TaskRunning {
		t.Fatalf("expected running after concurrent spawns, got %s", st)
	}
}

func TestSpawnTaskRetryAfterFailure(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		if launches.Add(1) == 1 {
			return nil, connector.NewSpawnError("binary not found", errors.New("exec failed"))
		}
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "sweeper"}
	def := &config.TaskDef{Name: "sweeper", Binary: "sweeper"}

	if _, err := s.SpawnTask(context.Background(), key, def); err == nil {
		t.Fatal("expected first spawn to fail")
	}
	// A failed launch releases the guard so the task can be spawned again.
	task, err := s.SpawnTask(context.Background(), key, def)
	if err != nil {
		t.Fatalf("retry spawn: %v", err)
	}
	if st := task.State(); st != TaskRunning {
		t.Fatalf("expected running after retry, got %s", st)
	}
}

func TestSendTaskMessageUnknownTask(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, spec launchSpec) (*childProc, error) {
		t.Fatal("launch should not be called")
		return nil, nil
	})
	err := s.SendTaskMessage(context.Background(), Key{Prefix: "prod", Name: "ghost"}, protocol.TaskMessage{Type: "ping"})
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestLauncherPrefixScoping(t *testing.T) {
	l := &launcher{root: "/repo"}

	if got := l.childWorkdir(Key{Prefix: "prod", Name: "kvstore"}); got != filepath.Join("/repo", "prod") {
		t.Errorf("childWorkdir = %q", got)
	}
	if got := l.resolveBinary("bin/kvstore-connector"); got != filepath.Join("/repo", "bin", "kvstore-connector") {
		t.Errorf("resolveBinary relative = %q", got)
	}
	abs := filepath.Join(string(filepath.Separator), "usr", "local", "bin", "kv")
	if got := l.resolveBinary(abs); got != abs {
		t.Errorf("resolveBinary absolute = %q", got)
	}
}

func TestHandleCallRecordsMetrics(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Enabled = false
	cfg.Events.Enabled = false
	cfg.Metrics.ListenAddress = "127.0.0.1:0"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	ctx := tel.WithContext(context.Background())

	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	key := Key{Prefix: "prod", Name: "kvstore"}
	def := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}
	h, err := s.Spawn(ctx, key, def)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := h.Get(ctx, "a.json"); err != nil {
		t.Fatalf("get: %v", err)
	}

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	want := `autoschematic_connector_calls_total{connector="kvstore",method="get"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("metrics missing %q in:\n%s", want, body)
	}
}

func TestTopListsChildren(t *testing.T) {
	launch := func(ctx context.Context, spec launchSpec) (*childProc, error) {
		return startFakeChild(t, echoConnector{}).proc, nil
	}
	s := newTestSupervisor(t, launch)

	ctx := context.Background()
	cdef := &config.ConnectorDef{Name: "kvstore", Binary: "kvstore"}
	if _, err := s.Spawn(ctx, Key{Prefix: "prod", Name: "kvstore"}, cdef); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := s.SpawnTask(ctx, Key{Prefix: "prod", Name: "sweeper"}, &config.TaskDef{Name: "sweeper", Binary: "sweeper"}); err != nil {
		t.Fatalf("spawn task: %v", err)
	}

	reports := s.Top()
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Kind != "connector" || reports[0].Key.Name != "kvstore" {
		t.Fatalf("unexpected first report: %+v", reports[0])
	}
	if reports[1].Kind != "task" || reports[1].State != TaskRunning {
		t.Fatalf("unexpected second report: %+v", reports[1])
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{Alive: true}, "up"},
		{Status{Alive: true, CPUUsage: 0.5, Memory: 1 << 20}, "up"},
		{Status{Alive: false}, "down"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status%+v.String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}
