package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
)

// fakeConnector is a scriptable in-memory connector. The remote map holds
// resource bodies by physical address; create ops insert into it.
type fakeConnector struct {
	connector.UnimplementedConnector

	mu sync.Mutex

	// remote maps physical address to remote state.
	remote map[string]string

	// opOutputs maps "addr" to the outputs its first op publishes.
	opOutputs map[string]connector.OutputMapExec

	// failOp makes OpExec fail for the given address.
	failOp map[string]error

	// failOps makes a single op fail, keyed "addr op".
	failOps map[string]error

	// ops overrides the planned operations for an address.
	ops map[string][]connector.Op

	// executed logs "addr op" in execution order.
	executed []string

	// plannedDesired records the desired body Plan saw per address.
	plannedDesired map[string]string

	// bundles maps bundle addr to its expansion.
	bundles map[string][]connector.UnbundleElement

	// failFilter makes Filter fail for the given address.
	failFilter map[string]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		remote:         make(map[string]string),
		opOutputs:      make(map[string]connector.OutputMapExec),
		failOp:         make(map[string]error),
		failOps:        make(map[string]error),
		ops:            make(map[string][]connector.Op),
		plannedDesired: make(map[string]string),
		bundles:        make(map[string][]connector.UnbundleElement),
		failFilter:     make(map[string]error),
	}
}

func (f *fakeConnector) Filter(ctx context.Context, addr string) (connector.FilterResponse, error) {
	f.mu.Lock()
	err, failed := f.failFilter[addr]
	f.mu.Unlock()
	if failed {
		return connector.FilterNone, err
	}
	switch {
	case strings.HasSuffix(addr, ".bundle"):
		return connector.FilterBundle, nil
	case strings.HasSuffix(addr, ".json"):
		return connector.FilterResource, nil
	}
	return connector.FilterNone, nil
}

func (f *fakeConnector) Unbundle(ctx context.Context, addr string, body []byte) ([]connector.UnbundleElement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	elements, ok := f.bundles[addr]
	if !ok {
		return nil, fmt.Errorf("unknown bundle %s", addr)
	}
	return elements, nil
}

func (f *fakeConnector) Get(ctx context.Context, addr string) (*connector.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.remote[addr]
	if !ok {
		return nil, nil
	}
	return &connector.GetResult{ResourceDefinition: []byte(body)}, nil
}

func (f *fakeConnector) Plan(ctx context.Context, addr string, current, desired []byte) ([]connector.Op, error) {
	f.mu.Lock()
	f.plannedDesired[addr] = string(desired)
	outs := f.opOutputs[addr]
	scripted := f.ops[addr]
	f.mu.Unlock()

	if len(scripted) > 0 {
		return scripted, nil
	}

	var op connector.Op
	switch {
	case desired == nil:
		op = connector.Op{OpDefinition: "delete", FriendlyMessage: "Delete " + addr}
	case current == nil:
		op = connector.Op{OpDefinition: "create:" + string(desired), FriendlyMessage: "Create " + addr}
	case string(current) == string(desired):
		return nil, nil
	default:
		op = connector.Op{OpDefinition: "update:" + string(desired), FriendlyMessage: "Update " + addr}
	}
	for key := range outs {
		op.WritesOutputs = append(op.WritesOutputs, key)
	}
	return []connector.Op{op}, nil
}

func (f *fakeConnector) OpExec(ctx context.Context, addr string, op string) (*connector.OpExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOp[addr]; ok {
		return nil, err
	}
	if err, ok := f.failOps[addr+" "+op]; ok {
		return nil, err
	}
	f.executed = append(f.executed, addr+" "+op)

	switch {
	case strings.HasPrefix(op, "create:"):
		f.remote[addr] = strings.TrimPrefix(op, "create:")
	case strings.HasPrefix(op, "update:"):
		f.remote[addr] = strings.TrimPrefix(op, "update:")
	case op == "delete":
		delete(f.remote, addr)
	}
	return &connector.OpExecResult{
		Outputs:         f.opOutputs[addr],
		FriendlyMessage: "done: " + op,
	}, nil
}

func (f *fakeConnector) execLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

func testEngine(t *testing.T, fake connector.Connector) (*Engine, string) {
	t.Helper()
	return testEngineSettings(t, fake, &config.Settings{
		MaxParallel:    4,
		ResolveTimeout: 2 * time.Second,
	})
}

func testEngineSettings(t *testing.T, fake connector.Connector, settings *config.Settings) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "prod"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := &config.RootConfig{
		Prefixes: map[string]config.PrefixConfig{
			"prod": {
				Connectors: []config.ConnectorDef{{Name: "kv", Binary: "kv"}},
			},
		},
	}
	e := New(root, cfg, settings, nil, zerolog.Nop(), withSpawn(
		func(ctx context.Context, key supervisor.Key, def *config.ConnectorDef) (connector.Connector, error) {
			return fake, nil
		},
	))
	return e, filepath.Join(root, "prod")
}

func writeResource(t *testing.T, dir, addr, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(addr))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPlanCreate(t *testing.T) {
	fake := newFakeConnector()
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "db/users.json", `{"rows":10}`)

	files, err := e.DiscoverFiles("prod")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	res := plan.Resource("db/users.json")
	if res == nil {
		t.Fatal("resource missing from plan")
	}
	if res.State != StatePlanned {
		t.Fatalf("expected planned, got %s: %s", res.State, res.Error)
	}
	if len(res.Ops) != 1 || !strings.HasPrefix(res.Ops[0].OpDefinition, "create:") {
		t.Fatalf("unexpected ops: %+v", res.Ops)
	}
	if plan.Summary.ToChange != 1 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}
}

func TestPlanNoDrift(t *testing.T) {
	fake := newFakeConnector()
	fake.remote["db/users.json"] = `{"rows":10}`
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "db/users.json", `{"rows":10}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	res := plan.Resource("db/users.json")
	if res.State != StateNoDrift {
		t.Fatalf("expected no_drift, got %s", res.State)
	}
	if plan.Summary.NoDrift != 1 || plan.Summary.ToChange != 0 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}
}

func TestPlanDeletion(t *testing.T) {
	fake := newFakeConnector()
	fake.remote["db/users.json"] = `{"rows":10}`
	e, dir := testEngine(t, fake)
	// The output record survives the desired-state file's removal and
	// marks the address as a deletion candidate.
	if err := outputs.WriteMap(dir, "db/users.json", connector.OutputMap{"id": "users"}); err != nil {
		t.Fatal(err)
	}

	files, err := e.DiscoverFiles("prod")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files.Deleted) != 1 || files.Deleted[0] != "db/users.json" {
		t.Fatalf("unexpected deletion candidates: %+v", files.Deleted)
	}

	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	res := plan.Resource("db/users.json")
	if res == nil || !res.Deleted || res.State != StatePlanned {
		t.Fatalf("unexpected deletion plan: %+v", res)
	}
	if len(res.Ops) != 1 || res.Ops[0].OpDefinition != "delete" {
		t.Fatalf("unexpected ops: %+v", res.Ops)
	}

	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if _, ok := fake.remote["db/users.json"]; ok {
		t.Fatal("remote resource survived deletion")
	}
	if addrs, _ := outputs.ListAddrs(dir); len(addrs) != 0 {
		t.Fatalf("output records survived deletion: %+v", addrs)
	}
}

func TestApplyCreatePublishesOutputs(t *testing.T) {
	fake := newFakeConnector()
	id := "vpc-038"
	fake.opOutputs["net/vpc.json"] = connector.OutputMapExec{"vpc_id": &id}
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "net/vpc.json", `{"cidr":"10.0.0.0/16"}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s: %+v", report.Status, report.Results[0])
	}

	v, ok, err := outputs.GetValue(dir, "net/vpc.json", "vpc_id")
	if err != nil || !ok || v != "vpc-038" {
		t.Fatalf("output not persisted: %q %v %v", v, ok, err)
	}
}

func TestApplyResolvesDeferredConsumer(t *testing.T) {
	fake := newFakeConnector()
	id := "vpc-038"
	fake.opOutputs["net/vpc.json"] = connector.OutputMapExec{"vpc_id": &id}
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "net/vpc.json", `{"cidr":"10.0.0.0/16"}`)
	writeResource(t, dir, "net/subnet.json", `{"vpc":"out://net/vpc.json[vpc_id]"}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	vpc := plan.Resource("net/vpc.json")
	subnet := plan.Resource("net/subnet.json")
	if vpc.State != StatePlanned {
		t.Fatalf("vpc: expected planned, got %s", vpc.State)
	}
	if subnet.State != StateDeferred {
		t.Fatalf("subnet: expected deferred, got %s", subnet.State)
	}
	if len(subnet.MissingReads) != 1 || subnet.MissingReads[0].Key != "vpc_id" {
		t.Fatalf("unexpected missing reads: %+v", subnet.MissingReads)
	}
	if plan.Summary.Deferred != 1 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}

	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunSucceeded {
		for _, r := range report.Results {
			t.Logf("%s: %s %s", r.Addr, r.State, r.Error)
		}
		t.Fatalf("expected succeeded, got %s", report.Status)
	}

	// The consumer must have been planned with the producer's output
	// substituted into its body.
	fake.mu.Lock()
	desired := fake.plannedDesired["net/subnet.json"]
	fake.mu.Unlock()
	if desired != `{"vpc":"vpc-038"}` {
		t.Fatalf("output reference not substituted: %q", desired)
	}
	if got := fake.remote["net/subnet.json"]; got != `{"vpc":"vpc-038"}` {
		t.Fatalf("unexpected remote state: %q", got)
	}
}

func TestApplySingleWorkerDeferredConsumer(t *testing.T) {
	// With one worker, a consumer that grabs the slot first must release it
	// while waiting so its producer can run instead of queueing until the
	// resolve timeout.
	fake := newFakeConnector()
	id := "vpc-038"
	fake.opOutputs["net/vpc.json"] = connector.OutputMapExec{"vpc_id": &id}
	e, dir := testEngineSettings(t, fake, &config.Settings{
		MaxParallel:    1,
		ResolveTimeout: 2 * time.Second,
	})
	writeResource(t, dir, "net/vpc.json", `{"cidr":"10.0.0.0/16"}`)
	writeResource(t, dir, "net/subnet.json", `{"vpc":"out://net/vpc.json[vpc_id]"}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Resource("net/subnet.json").State != StateDeferred {
		t.Fatal("expected deferred consumer")
	}

	start := time.Now()
	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunSucceeded {
		for _, r := range report.Results {
			t.Logf("%s: %s %s", r.Addr, r.State, r.Error)
		}
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("apply stalled for %v with a single worker", elapsed)
	}
	if got := fake.remote["net/subnet.json"]; got != `{"vpc":"vpc-038"}` {
		t.Fatalf("unexpected remote state: %q", got)
	}
}

func TestApplyUnresolvedDependency(t *testing.T) {
	fake := newFakeConnector()
	e, dir := testEngine(t, fake)
	// References an output no resource in this run produces.
	writeResource(t, dir, "net/subnet.json", `{"vpc":"out://net/ghost.json[vpc_id]"}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Resource("net/subnet.json").State != StateDeferred {
		t.Fatal("expected deferred plan")
	}

	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	res := report.Results[0]
	if res.State != StateFailed || !strings.Contains(res.Error, "unresolved") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestApplyPartialFailureKeepsEarlierOutputs(t *testing.T) {
	fake := newFakeConnector()
	id := "db-7"
	fake.opOutputs["db/main.json"] = connector.OutputMapExec{"instance_id": &id}
	fake.ops["db/main.json"] = []connector.Op{
		{OpDefinition: `create:{"size":1}`, FriendlyMessage: "Create db/main.json"},
		{OpDefinition: "reboot", FriendlyMessage: "Reboot db/main.json"},
	}
	fake.failOps["db/main.json reboot"] = fmt.Errorf("instance wedged")
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "db/main.json", `{"size":1}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if report.Status != RunFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	res := report.Results[0]
	if res.State != StateFailed || len(res.Ops) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Ops[0].Error != "" || res.Ops[0].Outputs != 1 {
		t.Fatalf("unexpected first op outcome: %+v", res.Ops[0])
	}
	if res.Ops[1].Error == "" {
		t.Fatal("second op should have failed")
	}

	// The first op ran against the real system; its outputs must survive the
	// failure durably so a later run can resume from them.
	v, ok, err := outputs.GetValue(dir, "db/main.json", "instance_id")
	if err != nil || !ok || v != "db-7" {
		t.Fatalf("first op's output not persisted: %q %v %v", v, ok, err)
	}
}

func TestApplyFailureSkipsGroupRemainder(t *testing.T) {
	fake := newFakeConnector()
	fake.failOp["db/a.json"] = fmt.Errorf("permission denied")
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "db/a.json", `{"n":1}`)
	writeResource(t, dir, "db/b.json", `{"n":2}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if report.Status != RunFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	byAddr := make(map[string]*ApplyResult)
	for _, r := range report.Results {
		byAddr[r.Addr] = r
	}
	if byAddr["db/a.json"].State != StateFailed {
		t.Fatalf("a: expected failed, got %s", byAddr["db/a.json"].State)
	}
	if byAddr["db/b.json"].State != StateSkipped {
		t.Fatalf("b: expected skipped, got %s", byAddr["db/b.json"].State)
	}
	if _, ok := fake.remote["db/b.json"]; ok {
		t.Fatal("skipped resource was executed")
	}
}

func TestPlanClassificationFailureIsolated(t *testing.T) {
	fake := newFakeConnector()
	fake.failFilter["db/broken.json"] = connector.NewTransportError("filter", errors.New("connection reset"))
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "db/broken.json", `{"n":1}`)
	writeResource(t, dir, "db/ok.json", `{"n":2}`)

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	broken := plan.Resource("db/broken.json")
	if broken == nil || broken.State != StateFailed {
		t.Fatalf("unexpected broken result: %+v", broken)
	}
	ok := plan.Resource("db/ok.json")
	if ok == nil || ok.State != StatePlanned {
		t.Fatalf("failure was not isolated, ok resource: %+v", ok)
	}
}

func TestPlanUnknownPrefix(t *testing.T) {
	fake := newFakeConnector()
	e, _ := testEngine(t, fake)

	if _, err := e.Plan(context.Background(), "ghost", &FileSet{}); err == nil {
		t.Fatal("expected error for unknown prefix")
	}
}

func TestPlanBundleExpansion(t *testing.T) {
	fake := newFakeConnector()
	fake.bundles["net/stack.bundle"] = []connector.UnbundleElement{
		{Filename: "vpc.json", Contents: []byte(`{"cidr":"10.0.0.0/16"}`)},
		{Filename: "subnet.json", Contents: []byte(`{"cidr":"10.0.1.0/24"}`)},
	}
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "net/stack.bundle", "stack")

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// The bundle expands into independently planned element resources at
	// addresses derived from the bundle's directory.
	if plan.Resource("net/stack.bundle") != nil {
		t.Fatal("bundle itself appeared as a planned resource")
	}
	for _, addr := range []string{"net/vpc.json", "net/subnet.json"} {
		res := plan.Resource(addr)
		if res == nil {
			t.Fatalf("%s missing from plan", addr)
		}
		if res.State != StatePlanned {
			t.Fatalf("%s: expected planned, got %s: %s", addr, res.State, res.Error)
		}
		if res.Bundle != "net/stack.bundle" {
			t.Fatalf("%s: bundle origin = %q", addr, res.Bundle)
		}
	}
	if plan.Summary.ToChange != 2 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}

	report, err := e.Apply(context.Background(), "prod", plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if fake.remote["net/vpc.json"] != `{"cidr":"10.0.0.0/16"}` {
		t.Fatalf("unexpected remote vpc: %q", fake.remote["net/vpc.json"])
	}
	if fake.remote["net/subnet.json"] != `{"cidr":"10.0.1.0/24"}` {
		t.Fatalf("unexpected remote subnet: %q", fake.remote["net/subnet.json"])
	}
}

func TestPlanBundleUnbundleFailure(t *testing.T) {
	fake := newFakeConnector()
	e, dir := testEngine(t, fake)
	writeResource(t, dir, "net/ghost.bundle", "stack")

	files, _ := e.DiscoverFiles("prod")
	plan, err := e.Plan(context.Background(), "prod", files)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	res := plan.Resource("net/ghost.bundle")
	if res == nil || res.State != StateFailed {
		t.Fatalf("unexpected bundle result: %+v", res)
	}
}

func TestImportMaterializesFiles(t *testing.T) {
	fake := newFakeConnector()
	fake.remote["db/users.json"] = `{"rows":10}`
	fake.remote["db/orders.json"] = `{"rows":4}`
	e, dir := testEngine(t, fake)
	// An existing local file is left alone without overwrite.
	writeResource(t, dir, "db/users.json", `{"rows":999}`)

	report, err := e.Import(context.Background(), "prod", "kv", "", false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %+v", report.Resources)
	}

	byPhy := make(map[string]ImportedResource)
	for _, r := range report.Resources {
		byPhy[r.PhyAddr] = r
	}
	if !byPhy["db/users.json"].Skipped {
		t.Fatal("existing file should be skipped")
	}
	if byPhy["db/orders.json"].Skipped {
		t.Fatal("new file should be written")
	}

	buf, err := os.ReadFile(filepath.Join(dir, "db", "orders.json"))
	if err != nil {
		t.Fatalf("reading imported file: %v", err)
	}
	if string(buf) != `{"rows":4}` {
		t.Fatalf("unexpected imported body: %s", buf)
	}
	buf, _ = os.ReadFile(filepath.Join(dir, "db", "users.json"))
	if string(buf) != `{"rows":999}` {
		t.Fatal("import overwrote existing file")
	}
}

// List is needed by Import; the fake lists everything under its remote map.
func (f *fakeConnector) List(ctx context.Context, subpath string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var addrs []string
	for addr := range f.remote {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
